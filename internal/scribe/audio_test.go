package scribe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stereo(pairs ...int16) []byte {
	out := make([]byte, 0, len(pairs)*2)
	for _, s := range pairs {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

func TestDownmixAveragesChannels(t *testing.T) {
	got := downmix(stereo(32767, 32767, -32768, -32768, 16384, 0, 100, -100))
	assert.InDeltaSlice(t, []float32{32767.0 / 32768, -1, 0.25, 0}, got, 1e-6)
}

func TestDownmixIgnoresPartialFrame(t *testing.T) {
	assert.Len(t, downmix(append(stereo(1, 1), 0x01, 0x02)), 1)
}

func TestDecimate(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(t, []float32{0, 3, 6}, decimate(in, 3))
	assert.Equal(t, in, decimate(in, 1))
	assert.Empty(t, decimate(nil, 3))

	// partial trailing groups are dropped
	assert.Equal(t, []float32{0, 3}, decimate(in[:7], 3))
	assert.Equal(t, []float32{0, 3}, decimate(in[:8], 3))
	assert.Empty(t, decimate(in[:2], 3))
}

func TestRMS(t *testing.T) {
	assert.Zero(t, rms(nil))
	assert.InDelta(t, 0.5, rms([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)
}
