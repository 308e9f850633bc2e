// Package scribe turns one captured utterance into a posted transcript.
//
// Each Run owns its decoder and PCM buffer, so concurrent utterances share
// nothing but the stateless Pipeline configuration. Stages either skip and
// continue (a frame that fails to decode) or end the utterance with an
// Outcome (too short, too quiet, no speech, engine or delivery failure).
package scribe

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/metrics"
	"github.com/discord-voice-lab/callwatch/internal/stt"
)

// CaptureRate is Discord's fixed voice sample rate.
const CaptureRate = 48000

type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeTooShort       Outcome = "too_short"
	OutcomeTooQuiet       Outcome = "too_quiet"
	OutcomeNoSpeech       Outcome = "no_speech"
	OutcomeEngineError    Outcome = "engine_error"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeNoDecoder      Outcome = "no_decoder"
	OutcomeNotConsented   Outcome = "not_consented"
)

// Decoder turns one Opus frame into interleaved stereo s16 samples.
type Decoder interface {
	Decode(frame []byte) ([]int16, error)
}

type DecoderFactory func() (Decoder, error)

// Transcript is a recognised utterance ready to post.
type Transcript struct {
	GuildID       string
	ChannelID     string
	DestinationID string
	UserID        string
	Text          string
}

type Deliverer interface {
	Deliver(ctx context.Context, t Transcript) error
}

// Utterance is one span of a member's speech. Frames closes at end of
// utterance.
type Utterance struct {
	GuildID       string
	ChannelID     string
	DestinationID string
	UserID        string
	CorrelationID string
	Frames        <-chan []byte
}

type Config struct {
	// MinBytes is the smallest raw stereo PCM buffer worth transcribing.
	MinBytes int
	// SilenceRMS is the energy below which the downsampled signal is
	// treated as silence.
	SilenceRMS float64
	// Decimation is the stride from CaptureRate to the engine rate.
	Decimation int
}

func DefaultConfig() Config {
	return Config{MinBytes: 30000, SilenceRMS: 0.01, Decimation: 3}
}

type Pipeline struct {
	cfg        Config
	newDecoder DecoderFactory
	engine     stt.Engine
	out        Deliverer
	metrics    *metrics.Metrics
}

func New(cfg Config, newDecoder DecoderFactory, engine stt.Engine, out Deliverer, m *metrics.Metrics) *Pipeline {
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	return &Pipeline{cfg: cfg, newDecoder: newDecoder, engine: engine, out: out, metrics: m}
}

// EngineRate is the sample rate handed to the engine.
func (p *Pipeline) EngineRate() int { return CaptureRate / p.cfg.Decimation }

// Run consumes u.Frames to the end and reports what became of the
// utterance. It never returns an error; failures are logged and counted.
func (p *Pipeline) Run(ctx context.Context, u Utterance) Outcome {
	ctx = logging.WithFields(ctx, logging.UtteranceFields(u.CorrelationID, u.UserID, u.ChannelID)...)
	ctx = stt.WithCorrelationID(ctx, u.CorrelationID)
	outcome := p.run(ctx, u)
	p.metrics.Utterance(string(outcome))
	logging.DebugwCtx(ctx, "utterance finished", "outcome", string(outcome))
	return outcome
}

func (p *Pipeline) run(ctx context.Context, u Utterance) Outcome {
	dec, err := p.newDecoder()
	if err != nil {
		logging.WarnwCtx(ctx, "opus decoder unavailable", "err", err)
		drain(u.Frames)
		return OutcomeNoDecoder
	}

	pcm := p.capture(ctx, dec, u.Frames)
	logging.DebugwCtx(ctx, "utterance captured", "pcm_bytes", len(pcm))
	if len(pcm) < p.cfg.MinBytes {
		return OutcomeTooShort
	}

	samples := decimate(downmix(pcm), p.cfg.Decimation)
	if level := rms(samples); level < p.cfg.SilenceRMS {
		logging.DebugwCtx(ctx, "utterance below volume gate", "rms", level)
		return OutcomeTooQuiet
	}

	text, err := p.dispatch(ctx, samples)
	if err != nil {
		class := stt.Class(err)
		p.metrics.EngineError(class)
		logging.WarnwCtx(ctx, "transcription failed", "err", err, "class", class)
		return OutcomeEngineError
	}
	if text == "" {
		return OutcomeNoSpeech
	}

	err = p.out.Deliver(ctx, Transcript{
		GuildID:       u.GuildID,
		ChannelID:     u.ChannelID,
		DestinationID: u.DestinationID,
		UserID:        u.UserID,
		Text:          text,
	})
	if err != nil {
		logging.WarnwCtx(ctx, "transcript delivery failed", "err", err)
		return OutcomeDeliveryFailed
	}
	logging.InfowCtx(ctx, "transcript delivered", "chars", len(text))
	return OutcomeDelivered
}

// capture decodes frames in arrival order into one s16le stereo buffer. A
// frame that fails to decode is dropped.
func (p *Pipeline) capture(ctx context.Context, dec Decoder, frames <-chan []byte) []byte {
	var buf []byte
	for frame := range frames {
		samples, err := dec.Decode(frame)
		if err != nil {
			p.metrics.DecodeError()
			logging.DebugwCtx(ctx, "dropping undecodable frame", "err", err, "bytes", len(frame))
			continue
		}
		for _, s := range samples {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
		}
	}
	return buf
}

func (p *Pipeline) dispatch(ctx context.Context, samples []float32) (string, error) {
	start := time.Now()
	text, err := p.engine.Transcribe(ctx, samples, p.EngineRate())
	p.metrics.Transcribed(time.Since(start))
	return strings.TrimSpace(text), err
}

func drain(frames <-chan []byte) {
	for range frames {
	}
}
