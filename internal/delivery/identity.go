package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Identity is how a member appears in a guild.
type Identity struct {
	DisplayName string
	AvatarURL   string
}

type cacheEntry struct {
	val    *Identity
	expiry time.Time
}

// cacheTTL controls how long a resolved identity is reused.
var cacheTTL = 5 * time.Minute

// IdentityResolver resolves guild members from the state cache first, then
// REST, caching results for cacheTTL.
type IdentityResolver struct {
	session Session
	state   *discordgo.State
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewIdentityResolver builds a resolver; state may be nil.
func NewIdentityResolver(s Session, state *discordgo.State) *IdentityResolver {
	return &IdentityResolver{
		session: s,
		state:   state,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Member returns the identity of userID in guildID, or nil when the member
// cannot be found.
func (r *IdentityResolver) Member(ctx context.Context, guildID, userID string) *Identity {
	if guildID == "" || userID == "" {
		return nil
	}
	key := guildID + "/" + userID

	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		if r.now().Before(e.expiry) {
			r.mu.Unlock()
			return e.val
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	m := r.fetch(ctx, guildID, userID)
	if m == nil || m.User == nil {
		return nil
	}
	id := &Identity{DisplayName: m.DisplayName(), AvatarURL: m.AvatarURL("")}

	r.mu.Lock()
	r.cache[key] = cacheEntry{val: id, expiry: r.now().Add(cacheTTL)}
	r.mu.Unlock()
	return id
}

func (r *IdentityResolver) fetch(ctx context.Context, guildID, userID string) *discordgo.Member {
	if r.state != nil {
		if m, err := r.state.Member(guildID, userID); err == nil && m != nil {
			r.state.RLock()
			cp := *m
			r.state.RUnlock()
			cp.GuildID = guildID
			return &cp
		}
	}
	m, err := r.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil
	}
	if m != nil && m.GuildID == "" {
		m.GuildID = guildID
	}
	return m
}
