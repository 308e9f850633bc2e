package scribe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/callwatch/internal/metrics"
	"github.com/discord-voice-lab/callwatch/internal/stt"
)

var errCorrupt = errors.New("corrupt frame")

// constDecoder emits perFrame interleaved samples of amp for every frame,
// and fails on frames starting with 0xFF.
type constDecoder struct {
	perFrame int
	amp      int16
}

func (d constDecoder) Decode(frame []byte) ([]int16, error) {
	if len(frame) > 0 && frame[0] == 0xFF {
		return nil, errCorrupt
	}
	out := make([]int16, d.perFrame)
	for i := range out {
		out[i] = d.amp
	}
	return out, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	rate  int
	n     int
	cid   string
	text  string
	err   error
}

func (e *fakeEngine) Transcribe(ctx context.Context, samples []float32, rate int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.rate = rate
	e.n = len(samples)
	e.cid = stt.CorrelationID(ctx)
	return e.text, e.err
}

type fakeDeliverer struct {
	mu  sync.Mutex
	got []Transcript
	err error
}

func (d *fakeDeliverer) Deliver(_ context.Context, t Transcript) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, t)
	return d.err
}

func frames(n int, corrupt ...int) <-chan []byte {
	bad := map[int]bool{}
	for _, i := range corrupt {
		bad[i] = true
	}
	ch := make(chan []byte, n)
	for i := 0; i < n; i++ {
		if bad[i] {
			ch <- []byte{0xFF}
		} else {
			ch <- []byte{0x01}
		}
	}
	close(ch)
	return ch
}

func newPipeline(dec Decoder, eng *fakeEngine, out *fakeDeliverer) *Pipeline {
	return New(DefaultConfig(), func() (Decoder, error) { return dec, nil }, eng, out, nil)
}

func utterance(fr <-chan []byte) Utterance {
	return Utterance{GuildID: "G", ChannelID: "C", DestinationID: "S", UserID: "U", CorrelationID: "cid", Frames: fr}
}

func TestDeliversTranscript(t *testing.T) {
	eng := &fakeEngine{text: "hello world"}
	out := &fakeDeliverer{}
	// 10 frames x 2000 samples x 2 bytes = 40000 bytes of stereo pcm
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	got := p.Run(context.Background(), utterance(frames(10)))

	assert.Equal(t, OutcomeDelivered, got)
	assert.Equal(t, 1, eng.calls)
	assert.Equal(t, 16000, eng.rate)
	// 10000 stereo frames decimated by three
	assert.Equal(t, 3333, eng.n)
	assert.Equal(t, "cid", eng.cid)
	require.Len(t, out.got, 1)
	assert.Equal(t, Transcript{GuildID: "G", ChannelID: "C", DestinationID: "S", UserID: "U", Text: "hello world"}, out.got[0])
}

func TestShortUtteranceNeverReachesEngine(t *testing.T) {
	eng := &fakeEngine{text: "x"}
	out := &fakeDeliverer{}
	// 10000 bytes
	p := newPipeline(constDecoder{perFrame: 500, amp: 3277}, eng, out)

	assert.Equal(t, OutcomeTooShort, p.Run(context.Background(), utterance(frames(10))))
	assert.Zero(t, eng.calls)
	assert.Empty(t, out.got)
}

func TestZeroFramesIsTooShort(t *testing.T) {
	eng := &fakeEngine{}
	p := newPipeline(constDecoder{perFrame: 2000}, eng, &fakeDeliverer{})
	assert.Equal(t, OutcomeTooShort, p.Run(context.Background(), utterance(frames(0))))
	assert.Zero(t, eng.calls)
}

func TestQuietUtteranceNeverReachesEngine(t *testing.T) {
	eng := &fakeEngine{text: "x"}
	// amplitude 100 is ~0.003 rms
	p := newPipeline(constDecoder{perFrame: 2000, amp: 100}, eng, &fakeDeliverer{})

	assert.Equal(t, OutcomeTooQuiet, p.Run(context.Background(), utterance(frames(10))))
	assert.Zero(t, eng.calls)
}

func TestCorruptFramesAreSkipped(t *testing.T) {
	eng := &fakeEngine{text: "still here"}
	out := &fakeDeliverer{}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	got := p.Run(context.Background(), utterance(frames(12, 0, 5)))
	assert.Equal(t, OutcomeDelivered, got)
	assert.Equal(t, 3333, eng.n)
}

func TestWhitespaceResultIsDropped(t *testing.T) {
	eng := &fakeEngine{text: "  \n\t "}
	out := &fakeDeliverer{}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	assert.Equal(t, OutcomeNoSpeech, p.Run(context.Background(), utterance(frames(10))))
	assert.Empty(t, out.got)
}

func TestResultIsTrimmed(t *testing.T) {
	eng := &fakeEngine{text: "  hi there  "}
	out := &fakeDeliverer{}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	p.Run(context.Background(), utterance(frames(10)))
	require.Len(t, out.got, 1)
	assert.Equal(t, "hi there", out.got[0].Text)
}

func TestEngineErrorIsContained(t *testing.T) {
	eng := &fakeEngine{err: stt.ErrTransient}
	out := &fakeDeliverer{}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	assert.Equal(t, OutcomeEngineError, p.Run(context.Background(), utterance(frames(10))))
	assert.Empty(t, out.got)
}

func TestEngineErrorIsCountedByClass(t *testing.T) {
	m := metrics.New()
	eng := &fakeEngine{err: fmt.Errorf("whisper: %w", stt.ErrPermanent)}
	p := New(DefaultConfig(), func() (Decoder, error) { return constDecoder{perFrame: 2000, amp: 3277}, nil }, eng, &fakeDeliverer{}, m)

	assert.Equal(t, OutcomeEngineError, p.Run(context.Background(), utterance(frames(10))))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `callwatch_engine_errors_total{class="permanent"} 1`)
	assert.Contains(t, rec.Body.String(), `callwatch_utterances_total{outcome="engine_error"} 1`)
}

func TestDeliveryErrorIsContained(t *testing.T) {
	eng := &fakeEngine{text: "hello"}
	out := &fakeDeliverer{err: errors.New("webhook gone")}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	assert.Equal(t, OutcomeDeliveryFailed, p.Run(context.Background(), utterance(frames(10))))
}

func TestDecoderFactoryFailureDrainsFrames(t *testing.T) {
	eng := &fakeEngine{}
	p := New(DefaultConfig(), func() (Decoder, error) { return nil, errors.New("no libopus") }, eng, &fakeDeliverer{}, nil)

	ch := make(chan []byte, 3)
	ch <- []byte{1}
	ch <- []byte{1}
	close(ch)
	assert.Equal(t, OutcomeNoDecoder, p.Run(context.Background(), utterance(ch)))
	assert.Empty(t, ch)
}

func TestConcurrentUtterancesAreIndependent(t *testing.T) {
	eng := &fakeEngine{text: "ok"}
	out := &fakeDeliverer{}
	p := newPipeline(constDecoder{perFrame: 2000, amp: 3277}, eng, out)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, OutcomeDelivered, p.Run(context.Background(), utterance(frames(10))))
		}()
	}
	wg.Wait()
	assert.Len(t, out.got, 8)
}
