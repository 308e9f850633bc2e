//go:build whispercpp

// Package whispernative runs whisper.cpp in-process. Building it needs
// libwhisper.a and whisper.h on LIBRARY_PATH and C_INCLUDE_PATH, and the
// whispercpp build tag.
package whispernative

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/stt"
)

// ExpectedSampleRate is the only rate whisper.cpp accepts.
const ExpectedSampleRate = whisperlib.SampleRate

// Engine shares one loaded model across goroutines; every call gets its own
// context since contexts are not safe for concurrent use.
type Engine struct {
	model    whisperlib.Model
	language string
}

func New(modelPath, language string) (*Engine, error) {
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispernative: load model %s: %w", modelPath, err)
	}
	logging.Infow("whisper model loaded", "path", modelPath, "language", language)
	return &Engine{model: model, language: language}, nil
}

func (e *Engine) Close() error { return e.model.Close() }

func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if sampleRate != ExpectedSampleRate {
		logging.WarnwCtx(ctx, "sample rate differs from model rate", "got", sampleRate, "want", ExpectedSampleRate)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("%w: create context: %v", stt.ErrPermanent, err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			logging.WarnwCtx(ctx, "whisper language rejected, using model default", "language", e.language, "err", err)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("%w: process: %v", stt.ErrPermanent, err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: segment: %v", stt.ErrPermanent, err)
		}
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}
