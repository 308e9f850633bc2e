package logging

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

type recorder struct {
	mu      sync.Mutex
	entries []entry
}

func (r *recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{level, msg, kv})
}

func (r *recorder) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *recorder) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *recorder) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *recorder) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *recorder) Sync() error                          { return nil }

func TestCtxHelpersMergeFieldsInOrder(t *testing.T) {
	rec := &recorder{}
	SetLogger(rec)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), "a", 1)
	ctx = WithFields(ctx, "b", 2)
	InfowCtx(ctx, "hello", "c", 3)
	WarnwCtx(context.Background(), "bare", "d", 4)

	if assert.Len(t, rec.entries, 2) {
		assert.Equal(t, "info", rec.entries[0].level)
		assert.Equal(t, []interface{}{"a", 1, "b", 2, "c", 3}, rec.entries[0].kv)
		assert.Equal(t, []interface{}{"d", 4}, rec.entries[1].kv)
	}
}

func TestWithFieldsNoopOnEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithFields(ctx))
	assert.Nil(t, FromContext(ctx))
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	assert.NotPanics(t, func() {
		Infow("nothing")
		ErrorwCtx(context.Background(), "nothing")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, []interface{}{"user.id", "u1"}, UserFields("u1", ""))
	assert.Equal(t, []interface{}{"user.id", "u1", "user.name", "ann"}, UserFields("u1", "ann"))
	assert.Equal(t, []interface{}{"guild.id", "g", "channel.id", "c"}, CallFields("g", "c"))
	assert.Equal(t, []interface{}{"correlation_id", "cid", "user.id", "u1", "channel.id", "c"}, UtteranceFields("cid", "u1", "c"))
}

func TestFatalwLogsThenExits(t *testing.T) {
	rec := &recorder{}
	SetLogger(rec)
	t.Cleanup(func() { SetLogger(nil) })

	code := -1
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = os.Exit })

	Fatalw("run failed", "err", "boom")

	assert.Equal(t, 1, code)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, entry{"error", "run failed", []interface{}{"err", "boom"}}, rec.entries[0])
}
