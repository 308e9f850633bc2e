package scribe

import (
	"encoding/binary"
	"math"
)

// downmix averages interleaved stereo s16le PCM into mono samples in
// [-1, 1]. A trailing partial frame is ignored.
func downmix(pcm []byte) []float32 {
	frames := len(pcm) / 4
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(pcm[i*4:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*4+2:]))
		out[i] = (float32(l) + float32(r)) / 2 / 32768
	}
	return out
}

// decimate keeps every factor-th sample. It is a plain stride with no
// anti-alias filter, and a trailing partial group is dropped.
func decimate(samples []float32, factor int) []float32 {
	if factor <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/factor)
	for i := range out {
		out[i] = samples[i*factor]
	}
	return out
}

// rms is the root mean square energy; zero for an empty signal.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
