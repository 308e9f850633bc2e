package gateway

import "github.com/bwmarrin/discordgo"

// StateRoster counts voice channel members from the discordgo state cache.
// Everyone except the bot itself counts, other bots included.
type StateRoster struct {
	State  *discordgo.State
	SelfID string
}

func (r *StateRoster) Occupancy(guildID, channelID string) int {
	g := r.guild(guildID)
	if g == nil {
		return 0
	}
	r.State.RLock()
	defer r.State.RUnlock()
	n := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != r.SelfID {
			n++
		}
	}
	return n
}

// SelfPresent reports whether the bot's own voice state is in channelID.
func (r *StateRoster) SelfPresent(guildID, channelID string) bool {
	g := r.guild(guildID)
	if g == nil {
		return false
	}
	r.State.RLock()
	defer r.State.RUnlock()
	for _, vs := range g.VoiceStates {
		if vs.UserID == r.SelfID {
			return vs.ChannelID == channelID
		}
	}
	return false
}

func (r *StateRoster) guild(guildID string) *discordgo.Guild {
	if r == nil || r.State == nil {
		return nil
	}
	g, err := r.State.Guild(guildID)
	if err != nil {
		return nil
	}
	return g
}
