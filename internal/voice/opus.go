package voice

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/discord-voice-lab/callwatch/internal/scribe"
)

const (
	sampleRate = 48000
	channels   = 2
	// maxFrameSamples is the longest Opus frame (120ms) per channel.
	maxFrameSamples = sampleRate * 120 / 1000
)

// OpusDecoder decodes Discord's 48kHz stereo Opus into interleaved s16.
// It keeps decoder state between frames, so use one per utterance.
type OpusDecoder struct {
	dec *opus.Decoder
	buf []int16
}

// NewOpusDecoder matches scribe.DecoderFactory.
func NewOpusDecoder() (scribe.Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("voice: opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, buf: make([]int16, maxFrameSamples*channels)}, nil
}

func (d *OpusDecoder) Decode(frame []byte) ([]int16, error) {
	n, err := d.dec.Decode(frame, d.buf)
	if err != nil {
		return nil, err
	}
	out := make([]int16, n*channels)
	copy(out, d.buf[:n*channels])
	return out, nil
}
