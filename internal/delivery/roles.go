package delivery

import (
	"context"
	"fmt"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/callwatch/internal/logging"
)

// Roles lets members opt in and out of a channel's notification role.
type Roles struct {
	session Session
}

func NewRoles(s Session) *Roles {
	return &Roles{session: s}
}

// Toggle gives the member roleID if they lack it and takes it away
// otherwise. It reports whether the member holds the role afterwards. The
// member is read over REST so a stale cache cannot flip the wrong way.
func (r *Roles) Toggle(ctx context.Context, guildID, userID, roleID string) (bool, error) {
	m, err := r.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("delivery: member %s: %w", userID, err)
	}
	if slices.Contains(m.Roles, roleID) {
		if err := r.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
			return true, fmt.Errorf("delivery: remove role %s: %w", roleID, err)
		}
		logging.InfowCtx(ctx, "notification role removed", "user.id", userID, "role.id", roleID)
		return false, nil
	}
	if err := r.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return false, fmt.Errorf("delivery: add role %s: %w", roleID, err)
	}
	logging.InfowCtx(ctx, "notification role added", "user.id", userID, "role.id", roleID)
	return true, nil
}
