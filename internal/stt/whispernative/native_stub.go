//go:build !whispercpp

package whispernative

import (
	"context"

	"github.com/discord-voice-lab/callwatch/internal/stt"
)

// ExpectedSampleRate matches the cgo build so callers compile either way.
const ExpectedSampleRate = 16000

// Engine is a placeholder for builds without the whispercpp tag.
type Engine struct{}

// New always fails without whisper.cpp linked in.
func New(modelPath, language string) (*Engine, error) {
	return nil, stt.ErrUnavailable
}

func (e *Engine) Close() error { return nil }

func (e *Engine) Transcribe(context.Context, []float32, int) (string, error) {
	return "", stt.ErrUnavailable
}
