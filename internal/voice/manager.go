// Package voice owns the bot's receive-only voice connections and feeds
// consenting members' speech into the transcription pipeline.
package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/metrics"
	"github.com/discord-voice-lab/callwatch/internal/presence"
	"github.com/discord-voice-lab/callwatch/internal/scribe"
	"github.com/discord-voice-lab/callwatch/internal/store"
)

// Conn is a live voice connection.
type Conn interface {
	Packets() <-chan *discordgo.Packet
	OnSpeakingUpdate(func(*discordgo.VoiceSpeakingUpdate))
	Disconnect() error
}

type Dialer interface {
	Dial(ctx context.Context, guildID, channelID string) (Conn, error)
}

// Links is consulted again at every speaking start so an opt-out applies
// without a rejoin.
type Links interface {
	ScribeLink(ctx context.Context, voiceChannelID string) (*store.ScribeLink, error)
	HasConsent(ctx context.Context, userID, voiceChannelID string) (bool, error)
}

// Runner processes one utterance.
type Runner interface {
	Run(ctx context.Context, u scribe.Utterance) scribe.Outcome
}

type attachment struct {
	guildID   string
	channelID string
	conn      Conn
	receiver  *Receiver

	mu      sync.Mutex
	watched map[string]struct{}
}

func (a *attachment) watch(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watched[userID] = struct{}{}
}

func (a *attachment) watching(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.watched[userID]
	return ok
}

// Manager keeps at most one voice connection per guild, since Discord
// allows a bot into one voice channel per guild at a time.
type Manager struct {
	dialer  Dialer
	links   Links
	runner  Runner
	silence time.Duration
	metrics *metrics.Metrics

	mu     sync.Mutex
	guilds map[string]*attachment
	locks  map[string]*sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(dialer Dialer, links Links, runner Runner, silence time.Duration, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  dialer,
		links:   links,
		runner:  runner,
		silence: silence,
		metrics: m,
		guilds:  make(map[string]*attachment),
		locks:   make(map[string]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
	}
}

var _ presence.Scribe = (*Manager)(nil)

func (m *Manager) guildLock(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[guildID] = l
	}
	return l
}

// Attach makes sure the bot listens in a.ChannelID and captures a.UserID.
// Attaching in a different channel of the same guild moves the connection.
func (m *Manager) Attach(ctx context.Context, a presence.Attachment) error {
	l := m.guildLock(a.GuildID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("voice: manager closed")
	}
	cur := m.guilds[a.GuildID]
	m.mu.Unlock()

	if cur != nil && cur.channelID == a.ChannelID {
		cur.watch(a.UserID)
		return nil
	}
	if cur != nil {
		m.detach(cur)
	}

	conn, err := m.dialer.Dial(ctx, a.GuildID, a.ChannelID)
	if err != nil {
		return fmt.Errorf("voice: join %s: %w", a.ChannelID, err)
	}
	att := &attachment{
		guildID:   a.GuildID,
		channelID: a.ChannelID,
		conn:      conn,
		receiver:  NewReceiver(conn.Packets(), m.silence),
		watched:   map[string]struct{}{a.UserID: {}},
	}
	att.receiver.OnSpeakingStart(func(userID string) { m.speakingStarted(att, userID) })
	conn.OnSpeakingUpdate(att.receiver.HandleSpeakingUpdate)
	att.receiver.Start()

	m.mu.Lock()
	m.guilds[a.GuildID] = att
	m.mu.Unlock()
	m.metrics.VoiceAttached(1)
	logging.InfowCtx(ctx, "voice attached", "user.id", a.UserID)
	return nil
}

// Leave drops the guild's connection if it is in channelID.
func (m *Manager) Leave(guildID, channelID string) error {
	l := m.guildLock(guildID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	cur := m.guilds[guildID]
	m.mu.Unlock()
	if cur == nil || cur.channelID != channelID {
		return nil
	}
	return m.detach(cur)
}

func (m *Manager) detach(att *attachment) error {
	m.mu.Lock()
	if m.guilds[att.guildID] == att {
		delete(m.guilds, att.guildID)
	}
	m.mu.Unlock()

	att.receiver.Close()
	err := att.conn.Disconnect()
	m.metrics.VoiceAttached(-1)
	logging.Infow("voice detached", logging.CallFields(att.guildID, att.channelID)...)
	if err != nil {
		return fmt.Errorf("voice: disconnect %s: %w", att.channelID, err)
	}
	return nil
}

func (m *Manager) speakingStarted(att *attachment, userID string) {
	if !att.watching(userID) {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	frames := att.receiver.Subscribe(userID)
	go func() {
		defer m.wg.Done()
		m.runUtterance(att, userID, frames)
	}()
}

func (m *Manager) runUtterance(att *attachment, userID string, frames <-chan []byte) {
	cid := uuid.NewString()
	ctx := logging.WithFields(m.ctx, logging.CallFields(att.guildID, att.channelID)...)

	link, err := m.links.ScribeLink(ctx, att.channelID)
	if err != nil {
		logging.WarnwCtx(ctx, "scribe link lookup failed", "err", err, "correlation_id", cid)
	}
	consented := false
	if err == nil && link != nil {
		consented, err = m.links.HasConsent(ctx, userID, att.channelID)
		if err != nil {
			logging.WarnwCtx(ctx, "consent lookup failed", "err", err, "correlation_id", cid)
		}
	}
	if !consented {
		for range frames {
		}
		m.metrics.Utterance(string(scribe.OutcomeNotConsented))
		return
	}

	m.runner.Run(ctx, scribe.Utterance{
		GuildID:       att.guildID,
		ChannelID:     att.channelID,
		DestinationID: link.DestinationID,
		UserID:        userID,
		CorrelationID: cid,
		Frames:        frames,
	})
}

// Attached reports the channel the bot listens to in guildID, if any.
func (m *Manager) Attached(guildID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.guilds[guildID]
	if !ok {
		return "", false
	}
	return att.channelID, true
}

// Close disconnects everywhere and waits for in-flight utterances.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	atts := make([]*attachment, 0, len(m.guilds))
	for _, att := range m.guilds {
		atts = append(atts, att)
	}
	m.mu.Unlock()

	for _, att := range atts {
		l := m.guildLock(att.guildID)
		l.Lock()
		m.mu.Lock()
		current := m.guilds[att.guildID] == att
		m.mu.Unlock()
		if current {
			if err := m.detach(att); err != nil {
				logging.Warnw("voice close", "err", err)
			}
		}
		l.Unlock()
	}
	m.wg.Wait()
	m.cancel()
	return nil
}

// DiscordDialer joins voice through a discordgo session, self-muted and
// undeafened so it can receive without ever sending.
type DiscordDialer struct {
	Session *discordgo.Session
}

func (d DiscordDialer) Dial(_ context.Context, guildID, channelID string) (Conn, error) {
	vc, err := d.Session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, err
	}
	return &discordConn{vc: vc}, nil
}

type discordConn struct {
	vc *discordgo.VoiceConnection
}

func (c *discordConn) Packets() <-chan *discordgo.Packet { return c.vc.OpusRecv }

func (c *discordConn) OnSpeakingUpdate(f func(*discordgo.VoiceSpeakingUpdate)) {
	c.vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		f(su)
	})
}

func (c *discordConn) Disconnect() error { return c.vc.Disconnect() }
