package gateway

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/presence"
)

// Presence receives normalised transitions.
type Presence interface {
	OnMemberJoin(ctx context.Context, j presence.Join)
	OnMemberLeave(ctx context.Context, l presence.Leave)
}

// Roster is the live occupancy view the handler snapshots at event time.
type Roster interface {
	Occupancy(guildID, channelID string) int
	SelfPresent(guildID, channelID string) bool
}

// Handler feeds voice state updates into the presence coordinator. The
// discordgo session must run with SyncEvents so updates arrive here in
// gateway order; the state cache already reflects the update when the
// handler runs, which is what the occupancy snapshot relies on.
type Handler struct {
	selfID     string
	roster     Roster
	presence   Presence
	dispatcher *Dispatcher
}

func NewHandler(selfID string, roster Roster, p Presence, d *Dispatcher) *Handler {
	return &Handler{selfID: selfID, roster: roster, presence: p, dispatcher: d}
}

// OnVoiceStateUpdate has the signature discordgo.AddHandler expects.
func (h *Handler) OnVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	h.Handle(vsu)
}

func (h *Handler) Handle(vsu *discordgo.VoiceStateUpdate) {
	for _, tr := range Normalize(h.selfID, vsu) {
		tr := tr
		occupancy := h.roster.Occupancy(tr.GuildID, tr.ChannelID)
		logging.Debugw("voice transition",
			"kind", tr.Kind.String(), "guild.id", tr.GuildID, "channel.id", tr.ChannelID,
			"user.id", tr.MemberID, "occupancy", occupancy)

		switch tr.Kind {
		case KindJoin:
			j := presence.Join{GuildID: tr.GuildID, ChannelID: tr.ChannelID, MemberID: tr.MemberID, Occupancy: occupancy}
			h.dispatcher.Submit(tr.ChannelID, func(ctx context.Context) { h.presence.OnMemberJoin(ctx, j) })
		case KindLeave:
			l := presence.Leave{
				GuildID:     tr.GuildID,
				ChannelID:   tr.ChannelID,
				MemberID:    tr.MemberID,
				Occupancy:   occupancy,
				SelfPresent: h.roster.SelfPresent(tr.GuildID, tr.ChannelID),
			}
			h.dispatcher.Submit(tr.ChannelID, func(ctx context.Context) { h.presence.OnMemberLeave(ctx, l) })
		}
	}
}
