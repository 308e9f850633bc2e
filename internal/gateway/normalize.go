// Package gateway adapts discordgo voice state events into ordered
// presence transitions.
package gateway

import "github.com/bwmarrin/discordgo"

// Kind of a primitive voice transition.
type Kind int

const (
	KindLeave Kind = iota
	KindJoin
)

func (k Kind) String() string {
	if k == KindJoin {
		return "join"
	}
	return "leave"
}

// Transition is a single member entering or leaving one channel.
type Transition struct {
	Kind      Kind
	GuildID   string
	ChannelID string
	MemberID  string
}

// Normalize reduces a voice state update to its channel transitions. A
// switch yields leave(old) followed by join(new); mute, deafen and stream
// changes yield nothing. Updates about the bot itself are dropped.
func Normalize(selfID string, vsu *discordgo.VoiceStateUpdate) []Transition {
	if vsu == nil || vsu.VoiceState == nil || vsu.UserID == "" || vsu.UserID == selfID {
		return nil
	}
	before := ""
	if vsu.BeforeUpdate != nil {
		before = vsu.BeforeUpdate.ChannelID
	}
	after := vsu.ChannelID
	if before == after {
		return nil
	}

	var out []Transition
	if before != "" {
		out = append(out, Transition{Kind: KindLeave, GuildID: vsu.GuildID, ChannelID: before, MemberID: vsu.UserID})
	}
	if after != "" {
		out = append(out, Transition{Kind: KindJoin, GuildID: vsu.GuildID, ChannelID: after, MemberID: vsu.UserID})
	}
	return out
}
