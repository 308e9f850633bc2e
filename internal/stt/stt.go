// Package stt defines the speech-to-text engine contract shared by the HTTP
// and in-process whisper backends.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures worth retrying later (network, 5xx, 429).
	// Nothing in the bot retries; Class labels the engine error metric.
	ErrTransient = errors.New("stt: transient failure")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("stt: permanent failure")
	// ErrUnavailable is returned by backends compiled out of this build.
	ErrUnavailable = errors.New("stt: backend not available in this build")
)

// Engine turns mono float samples in [-1, 1] at sampleRate into text. An
// empty string means no speech was recognised.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Class names the failure class of err: transient, permanent, unavailable
// or unknown.
func Class(err error) string {
	switch {
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}

type correlationKey struct{}

// WithCorrelationID tags ctx with the utterance id forwarded to remote
// engines.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
