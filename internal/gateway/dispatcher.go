package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sync"

	"github.com/discord-voice-lab/callwatch/internal/logging"
)

// Dispatcher runs jobs on a fixed set of ordered lanes. Jobs sharing a key
// always land on the same lane and run in submission order; different keys
// may run in parallel.
type Dispatcher struct {
	lanes  []chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts n lanes, each with a backlog of depth jobs.
func NewDispatcher(n, depth int) *Dispatcher {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		lanes:  make([]chan func(context.Context), n),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan func(context.Context), depth)
		d.wg.Add(1)
		go d.run(i, d.lanes[i])
	}
	return d
}

func (d *Dispatcher) run(lane int, jobs <-chan func(context.Context)) {
	defer d.wg.Done()
	for job := range jobs {
		d.safeRun(lane, job)
	}
}

func (d *Dispatcher) safeRun(lane int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("event handler panic recovered", "lane", lane, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	job(d.ctx)
}

// Submit queues job on the lane owned by key. It blocks while that lane is
// full and reports false once the dispatcher is closed.
func (d *Dispatcher) Submit(key string, job func(context.Context)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	d.lanes[laneFor(key, len(d.lanes))] <- job
	return true
}

// Close stops accepting work, drains queued jobs and waits for the lanes.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.cancel()
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
