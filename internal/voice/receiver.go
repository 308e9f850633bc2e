package voice

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/callwatch/internal/logging"
)

// DefaultSilence ends an utterance after this much trailing quiet.
const DefaultSilence = 100 * time.Millisecond

// streamDepth is the per-utterance frame backlog (about ten seconds of
// 20ms frames). A stalled consumer loses frames past this point.
const streamDepth = 512

// silenceFrame is what Discord sends when a speaker goes quiet.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

type stream struct {
	frames chan []byte
	last   time.Time
}

// Receiver demultiplexes a voice connection's Opus packets into per-user
// utterance streams. SSRCs are mapped to users from speaking updates.
// Packets from an unmapped SSRC are dropped.
type Receiver struct {
	packets <-chan *discordgo.Packet
	silence time.Duration
	now     func() time.Time

	mu       sync.Mutex
	ssrcUser map[uint32]string
	streams  map[string]*stream
	onStart  func(userID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReceiver(packets <-chan *discordgo.Packet, silence time.Duration) *Receiver {
	if silence <= 0 {
		silence = DefaultSilence
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		packets:  packets,
		silence:  silence,
		now:      time.Now,
		ssrcUser: make(map[uint32]string),
		streams:  make(map[string]*stream),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnSpeakingStart registers cb for the first packet of every utterance. cb
// runs on the receive goroutine and should only Subscribe and return.
func (r *Receiver) OnSpeakingStart(cb func(userID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStart = cb
}

// HandleSpeakingUpdate records the SSRC of a speaking user.
func (r *Receiver) HandleSpeakingUpdate(su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	r.mu.Lock()
	r.ssrcUser[uint32(su.SSRC)] = su.UserID
	r.mu.Unlock()
	logging.Debugw("ssrc mapped", "ssrc", su.SSRC, "user.id", su.UserID, "speaking", su.Speaking)
}

// Subscribe returns the frame stream of the user's current utterance,
// opening one if needed. The channel closes after trailing silence or when
// the receiver closes.
func (r *Receiver) Subscribe(userID string) <-chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.streams[userID]; ok {
		return st.frames
	}
	st := &stream{frames: make(chan []byte, streamDepth), last: r.now()}
	r.streams[userID] = st
	return st.frames
}

func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Receiver) loop() {
	defer r.wg.Done()
	tick := r.silence / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case pkt, ok := <-r.packets:
			if !ok {
				r.endAll()
				return
			}
			r.handlePacket(pkt)
		case <-ticker.C:
			r.expire()
		}
	}
}

func (r *Receiver) handlePacket(pkt *discordgo.Packet) {
	if pkt == nil || len(pkt.Opus) == 0 || bytes.Equal(pkt.Opus, silenceFrame) {
		return
	}
	r.mu.Lock()
	user := r.ssrcUser[pkt.SSRC]
	_, active := r.streams[user]
	cb := r.onStart
	r.mu.Unlock()
	if user == "" {
		return
	}
	if !active && cb != nil {
		cb(user)
	}

	frame := append([]byte(nil), pkt.Opus...)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[user]
	if !ok {
		return
	}
	st.last = r.now()
	select {
	case st.frames <- frame:
	default:
		logging.Debugw("utterance backlog full, dropping frame", "user.id", user)
	}
}

// expire ends every utterance quiet for at least the silence window.
func (r *Receiver) expire() {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for user, st := range r.streams {
		if now.Sub(st.last) >= r.silence {
			close(st.frames)
			delete(r.streams, user)
		}
	}
}

func (r *Receiver) endAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for user, st := range r.streams {
		close(st.frames)
		delete(r.streams, user)
	}
}

// Close stops the receive loop and ends open utterances.
func (r *Receiver) Close() {
	r.cancel()
	r.wg.Wait()
	r.endAll()
}
