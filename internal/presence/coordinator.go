// Package presence turns member join and leave transitions into call
// notifications and scribe attachments.
//
// Every voice channel owns a small entry guarded by its own mutex. A call is
// tracked from the join that takes the channel from zero to one member until
// the leave that empties it. Timer fire and timer cancel both run under the
// entry mutex, and the callback compares its status pointer against the
// entry, so a stale timer is a no-op and each call either fires once or is
// cancelled once.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/metrics"
	"github.com/discord-voice-lab/callwatch/internal/store"
)

// DefaultNotifyDelay is how long a call must stay occupied before the start
// notice goes out.
const DefaultNotifyDelay = 5 * time.Second

// Links is the read side of the consent and link store.
type Links interface {
	NotificationLink(ctx context.Context, voiceChannelID string) (*store.NotificationLink, error)
	ScribeLink(ctx context.Context, voiceChannelID string) (*store.ScribeLink, error)
	HasConsent(ctx context.Context, userID, voiceChannelID string) (bool, error)
}

// Roster reports live non-bot occupancy of a voice channel.
type Roster interface {
	Occupancy(guildID, channelID string) int
}

// Notice is a message for a notification destination. MentionRoleIDs lists
// the only roles the message may ping; empty means no mentions at all.
type Notice struct {
	DestinationID  string
	Content        string
	MentionRoleIDs []string
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Attachment asks the scribe to capture one consenting member in a channel.
type Attachment struct {
	GuildID   string
	ChannelID string
	UserID    string
}

// Scribe owns the bot's receive-only voice presence.
type Scribe interface {
	Attach(ctx context.Context, a Attachment) error
	Leave(guildID, channelID string) error
}

// Join is a member entering a voice channel. Occupancy is the non-bot
// member count right after the join.
type Join struct {
	GuildID   string
	ChannelID string
	MemberID  string
	Occupancy int
}

// Leave is a member exiting a voice channel. Occupancy is the non-bot member
// count right after the leave; SelfPresent reports whether the bot is still
// connected to the channel.
type Leave struct {
	GuildID     string
	ChannelID   string
	MemberID    string
	Occupancy   int
	SelfPresent bool
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

type callStatus struct {
	guildID       string
	channelID     string
	starterID     string
	destinationID string
	roleID        string
	startedAt     time.Time

	timer    Timer
	fired    bool
	notified bool
}

type channelEntry struct {
	mu     sync.Mutex
	status *callStatus
}

// CallSnapshot is a read-only copy of a tracked call.
type CallSnapshot struct {
	GuildID       string    `json:"guild_id"`
	ChannelID     string    `json:"channel_id"`
	StarterID     string    `json:"starter_id"`
	DestinationID string    `json:"destination_id"`
	StartedAt     time.Time `json:"started_at"`
	Notified      bool      `json:"notified"`
}

type Coordinator struct {
	selfID   string
	links    Links
	roster   Roster
	notifier Notifier
	scribe   Scribe
	metrics  *metrics.Metrics

	delay     time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	baseCtx   context.Context

	mu       sync.Mutex
	channels map[string]*channelEntry
}

type Option func(*Coordinator)

func WithNotifyDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.delay = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimerFunc replaces time.AfterFunc.
func WithTimerFunc(f func(time.Duration, func()) Timer) Option {
	return func(c *Coordinator) { c.afterFunc = f }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithContext sets the context used for notices sent from timer callbacks.
func WithContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.baseCtx = ctx }
}

// New builds a coordinator for the bot user selfID. scribe may be nil when
// transcription is disabled.
func New(selfID string, links Links, roster Roster, notifier Notifier, scribe Scribe, opts ...Option) *Coordinator {
	c := &Coordinator{
		selfID:   selfID,
		links:    links,
		roster:   roster,
		notifier: notifier,
		scribe:   scribe,
		delay:    DefaultNotifyDelay,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		baseCtx:  context.Background(),
		channels: make(map[string]*channelEntry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// entry returns the channel's entry, creating it on first use. Entries are
// never removed, so the set is bounded by the number of voice channels seen.
func (c *Coordinator) entry(channelID string) *channelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.channels[channelID]
	if !ok {
		e = &channelEntry{}
		c.channels[channelID] = e
	}
	return e
}

func (c *Coordinator) lookup(channelID string) *channelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channelID]
}

func (c *Coordinator) OnMemberJoin(ctx context.Context, j Join) {
	if j.MemberID == c.selfID || j.ChannelID == "" {
		return
	}
	ctx = logging.WithFields(ctx, logging.CallFields(j.GuildID, j.ChannelID)...)
	c.attachIfConsented(ctx, j)

	if j.Occupancy != 1 {
		return
	}
	link, err := c.links.NotificationLink(ctx, j.ChannelID)
	if err != nil {
		logging.WarnwCtx(ctx, "notification link lookup failed", "err", err)
		return
	}
	if link == nil {
		return
	}

	e := c.entry(j.ChannelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != nil {
		logging.DebugwCtx(ctx, "call already tracked, not re-arming", "member.id", j.MemberID)
		return
	}
	st := &callStatus{
		guildID:       j.GuildID,
		channelID:     j.ChannelID,
		starterID:     j.MemberID,
		destinationID: link.DestinationID,
		roleID:        link.RoleID,
		startedAt:     c.now(),
	}
	// The callback blocks on e.mu until this function returns, so the
	// status is always installed before it can look.
	st.timer = c.afterFunc(c.delay, func() { c.fire(e, st) })
	e.status = st
	c.metrics.CallTracked(1)
	logging.DebugwCtx(ctx, "call armed", "member.id", j.MemberID, "delay", c.delay.String())
}

func (c *Coordinator) attachIfConsented(ctx context.Context, j Join) {
	if c.scribe == nil {
		return
	}
	link, err := c.links.ScribeLink(ctx, j.ChannelID)
	if err != nil {
		logging.WarnwCtx(ctx, "scribe link lookup failed", "err", err)
		return
	}
	if link == nil {
		return
	}
	ok, err := c.links.HasConsent(ctx, j.MemberID, j.ChannelID)
	if err != nil {
		logging.WarnwCtx(ctx, "consent lookup failed", "err", err, "member.id", j.MemberID)
		return
	}
	if !ok {
		return
	}
	if err := c.scribe.Attach(ctx, Attachment{GuildID: j.GuildID, ChannelID: j.ChannelID, UserID: j.MemberID}); err != nil {
		logging.WarnwCtx(ctx, "scribe attach failed", "err", err, "member.id", j.MemberID)
	}
}

func (c *Coordinator) fire(e *channelEntry, st *callStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != st || st.fired {
		return
	}
	st.fired = true
	st.timer = nil

	ctx := logging.WithFields(c.baseCtx, logging.CallFields(st.guildID, st.channelID)...)
	if c.roster != nil && c.roster.Occupancy(st.guildID, st.channelID) < 1 {
		logging.DebugwCtx(ctx, "channel emptied before notice, skipping")
		return
	}
	err := c.notifier.Notify(ctx, Notice{
		DestinationID:  st.destinationID,
		Content:        StartMessage(st.roleID, st.channelID, st.starterID),
		MentionRoleIDs: []string{st.roleID},
	})
	c.metrics.CallNotified("start", err)
	if err != nil {
		logging.WarnwCtx(ctx, "call start notice failed", "err", err)
		return
	}
	st.notified = true
	logging.InfowCtx(ctx, "call start notice sent", "member.id", st.starterID)
}

func (c *Coordinator) OnMemberLeave(ctx context.Context, l Leave) {
	if l.MemberID == c.selfID || l.ChannelID == "" {
		return
	}
	if l.Occupancy != 0 {
		return
	}
	ctx = logging.WithFields(ctx, logging.CallFields(l.GuildID, l.ChannelID)...)
	if l.SelfPresent && c.scribe != nil {
		if err := c.scribe.Leave(l.GuildID, l.ChannelID); err != nil {
			logging.WarnwCtx(ctx, "scribe leave failed", "err", err)
		}
	}

	e := c.lookup(l.ChannelID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	if st == nil {
		return
	}
	e.status = nil
	c.metrics.CallTracked(-1)

	if !st.fired {
		st.fired = true
		st.timer.Stop()
		c.metrics.CallTimerCancelled()
		logging.DebugwCtx(ctx, "call ended before notice, timer cancelled")
		return
	}
	if !st.notified {
		return
	}
	elapsed := c.now().Sub(st.startedAt)
	err := c.notifier.Notify(ctx, Notice{
		DestinationID: st.destinationID,
		Content:       EndMessage(st.channelID, elapsed),
	})
	c.metrics.CallNotified("end", err)
	if err != nil {
		logging.WarnwCtx(ctx, "call end notice failed", "err", err)
		return
	}
	logging.InfowCtx(ctx, "call end notice sent", "elapsed", elapsed.String())
}

// Snapshot copies every tracked call, ordered by start time.
func (c *Coordinator) Snapshot() []CallSnapshot {
	c.mu.Lock()
	entries := make([]*channelEntry, 0, len(c.channels))
	for _, e := range c.channels {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]CallSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if st := e.status; st != nil {
			out = append(out, CallSnapshot{
				GuildID:       st.guildID,
				ChannelID:     st.channelID,
				StarterID:     st.starterID,
				DestinationID: st.destinationID,
				StartedAt:     st.startedAt,
				Notified:      st.notified,
			})
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
