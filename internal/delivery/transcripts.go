package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/scribe"
)

// Members resolves display identities.
type Members interface {
	Member(ctx context.Context, guildID, userID string) *Identity
}

// Transcripts posts each transcript through a channel webhook so it
// appears under the speaker's name and avatar.
type Transcripts struct {
	session Session
	members Members
}

func NewTranscripts(s Session, members Members) *Transcripts {
	return &Transcripts{session: s, members: members}
}

// Deliver posts t.Text to t.DestinationID. A member who cannot be resolved
// or a destination without a usable webhook is skipped without error.
func (d *Transcripts) Deliver(ctx context.Context, t scribe.Transcript) error {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return nil
	}
	who := d.members.Member(ctx, t.GuildID, t.UserID)
	if who == nil {
		logging.DebugwCtx(ctx, "speaker not resolvable, skipping transcript")
		return nil
	}

	hooks, err := d.session.ChannelWebhooks(t.DestinationID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delivery: list webhooks %s: %w", t.DestinationID, err)
	}
	hook := firstUsable(hooks)
	if hook == nil {
		logging.DebugwCtx(ctx, "scribe destination has no webhook", "destination.id", t.DestinationID)
		return nil
	}

	_, err = d.session.WebhookExecute(hook.ID, hook.Token, false, &discordgo.WebhookParams{
		Content:         text,
		Username:        who.DisplayName,
		AvatarURL:       who.AvatarURL,
		AllowedMentions: noMentions(),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("delivery: execute webhook %s: %w", hook.ID, err)
	}
	return nil
}

// firstUsable picks the first webhook the bot can execute, which needs a
// token.
func firstUsable(hooks []*discordgo.Webhook) *discordgo.Webhook {
	for _, h := range hooks {
		if h != nil && h.Token != "" {
			return h
		}
	}
	return nil
}
