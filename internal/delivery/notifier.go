package delivery

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/presence"
)

// Notifier posts call notices as the bot.
type Notifier struct {
	session Session
}

func NewNotifier(s Session) *Notifier {
	return &Notifier{session: s}
}

// Notify sends n.Content to n.DestinationID. Only the roles listed in
// n.MentionRoleIDs can ping. A destination that no longer exists, or is not
// a text or voice channel, is skipped without error.
func (n *Notifier) Notify(ctx context.Context, notice presence.Notice) error {
	ch, err := n.session.Channel(notice.DestinationID, discordgo.WithContext(ctx))
	if err != nil || ch == nil {
		logging.DebugwCtx(ctx, "notification destination unavailable", "destination.id", notice.DestinationID, "err", err)
		return nil
	}
	if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildVoice {
		logging.DebugwCtx(ctx, "notification destination is not a text or voice channel", "destination.id", notice.DestinationID, "type", int(ch.Type))
		return nil
	}

	mentions := noMentions()
	if len(notice.MentionRoleIDs) > 0 {
		mentions.Roles = append([]string(nil), notice.MentionRoleIDs...)
	}
	_, err = n.session.ChannelMessageSendComplex(notice.DestinationID, &discordgo.MessageSend{
		Content:         notice.Content,
		AllowedMentions: mentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delivery: notify %s: %w", notice.DestinationID, err)
	}
	return nil
}
