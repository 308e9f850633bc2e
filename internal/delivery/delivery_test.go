package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/callwatch/internal/presence"
	"github.com/discord-voice-lab/callwatch/internal/scribe"
)

type executed struct {
	id, token string
	params    *discordgo.WebhookParams
}

type sent struct {
	channelID string
	msg       *discordgo.MessageSend
}

type mockSession struct {
	channels     map[string]*discordgo.Channel
	webhooks     map[string][]*discordgo.Webhook
	members      map[string]*discordgo.Member
	memberCalls  int
	sendErr      error
	executeErr   error
	sentMessages []sent
	executions   []executed
	roleErr      error
	roleAdds     []string
	roleRemoves  []string
}

func newMockSession() *mockSession {
	return &mockSession{
		channels: map[string]*discordgo.Channel{},
		webhooks: map[string][]*discordgo.Webhook{},
		members:  map[string]*discordgo.Member{},
	}
}

func (m *mockSession) Channel(id string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if ch, ok := m.channels[id]; ok {
		return ch, nil
	}
	return nil, errors.New("HTTP 404 Not Found")
}

func (m *mockSession) ChannelMessageSendComplex(id string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sentMessages = append(m.sentMessages, sent{id, data})
	return &discordgo.Message{ChannelID: id, Content: data.Content}, nil
}

func (m *mockSession) ChannelWebhooks(id string, _ ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	return m.webhooks[id], nil
}

func (m *mockSession) WebhookExecute(id, token string, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.executeErr != nil {
		return nil, m.executeErr
	}
	m.executions = append(m.executions, executed{id, token, data})
	return nil, nil
}

func (m *mockSession) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	m.memberCalls++
	if mem, ok := m.members[guildID+"/"+userID]; ok {
		return mem, nil
	}
	return nil, errors.New("HTTP 404 Not Found")
}

func (m *mockSession) GuildMemberRoleAdd(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	if m.roleErr != nil {
		return m.roleErr
	}
	m.roleAdds = append(m.roleAdds, guildID+"/"+userID+"/"+roleID)
	return nil
}

func (m *mockSession) GuildMemberRoleRemove(guildID, userID, roleID string, _ ...discordgo.RequestOption) error {
	if m.roleErr != nil {
		return m.roleErr
	}
	m.roleRemoves = append(m.roleRemoves, guildID+"/"+userID+"/"+roleID)
	return nil
}

func TestNotifyRestrictsMentionsToRole(t *testing.T) {
	s := newMockSession()
	s.channels["D"] = &discordgo.Channel{ID: "D", Type: discordgo.ChannelTypeGuildText}
	n := NewNotifier(s)

	err := n.Notify(context.Background(), presence.Notice{
		DestinationID:  "D",
		Content:        "<@&R> Call in <#C> started by <@U>",
		MentionRoleIDs: []string{"R"},
	})
	require.NoError(t, err)
	require.Len(t, s.sentMessages, 1)
	msg := s.sentMessages[0].msg
	assert.Equal(t, "<@&R> Call in <#C> started by <@U>", msg.Content)
	assert.Empty(t, msg.AllowedMentions.Parse)
	assert.NotNil(t, msg.AllowedMentions.Parse)
	assert.Equal(t, []string{"R"}, msg.AllowedMentions.Roles)
}

func TestNotifyWithoutRolesMentionsNobody(t *testing.T) {
	s := newMockSession()
	s.channels["D"] = &discordgo.Channel{ID: "D", Type: discordgo.ChannelTypeGuildVoice}
	require.NoError(t, NewNotifier(s).Notify(context.Background(), presence.Notice{DestinationID: "D", Content: "Call in <#C> ended: lasted for 5 seconds"}))

	require.Len(t, s.sentMessages, 1)
	assert.Empty(t, s.sentMessages[0].msg.AllowedMentions.Roles)
	assert.Empty(t, s.sentMessages[0].msg.AllowedMentions.Parse)
}

func TestNotifySkipsMissingOrWrongDestination(t *testing.T) {
	s := newMockSession()
	s.channels["CAT"] = &discordgo.Channel{ID: "CAT", Type: discordgo.ChannelTypeGuildCategory}
	n := NewNotifier(s)

	assert.NoError(t, n.Notify(context.Background(), presence.Notice{DestinationID: "GONE", Content: "x"}))
	assert.NoError(t, n.Notify(context.Background(), presence.Notice{DestinationID: "CAT", Content: "x"}))
	assert.Empty(t, s.sentMessages)
}

func TestNotifyPropagatesSendFailure(t *testing.T) {
	s := newMockSession()
	s.channels["D"] = &discordgo.Channel{ID: "D", Type: discordgo.ChannelTypeGuildText}
	s.sendErr = errors.New("HTTP 403 Forbidden")
	assert.Error(t, NewNotifier(s).Notify(context.Background(), presence.Notice{DestinationID: "D", Content: "x"}))
}

func member(nick, global, username string) *discordgo.Member {
	return &discordgo.Member{
		Nick: nick,
		User: &discordgo.User{ID: "U", Username: username, GlobalName: global, Avatar: "abc"},
	}
}

func TestDeliverImpersonatesSpeaker(t *testing.T) {
	s := newMockSession()
	s.members["G/U"] = member("Captain", "Global", "user1")
	s.webhooks["S"] = []*discordgo.Webhook{
		{ID: "followed"},
		{ID: "W1", Token: "tok"},
		{ID: "W2", Token: "tok2"},
	}
	d := NewTranscripts(s, NewIdentityResolver(s, nil))

	err := d.Deliver(context.Background(), scribe.Transcript{GuildID: "G", ChannelID: "C", DestinationID: "S", UserID: "U", Text: "hello world"})
	require.NoError(t, err)
	require.Len(t, s.executions, 1)
	ex := s.executions[0]
	assert.Equal(t, "W1", ex.id)
	assert.Equal(t, "tok", ex.token)
	assert.Equal(t, "hello world", ex.params.Content)
	assert.Equal(t, "Captain", ex.params.Username)
	assert.Contains(t, ex.params.AvatarURL, "abc")
	assert.Empty(t, ex.params.AllowedMentions.Parse)
}

func TestDisplayNamePrecedence(t *testing.T) {
	s := newMockSession()
	s.members["G/A"] = member("", "Global", "user1")
	s.members["G/B"] = member("", "", "user1")
	r := NewIdentityResolver(s, nil)

	assert.Equal(t, "Global", r.Member(context.Background(), "G", "A").DisplayName)
	assert.Equal(t, "user1", r.Member(context.Background(), "G", "B").DisplayName)
	assert.Nil(t, r.Member(context.Background(), "G", "missing"))
}

func TestDeliverWithoutWebhookIsNoop(t *testing.T) {
	s := newMockSession()
	s.members["G/U"] = member("", "", "user1")
	d := NewTranscripts(s, NewIdentityResolver(s, nil))

	assert.NoError(t, d.Deliver(context.Background(), scribe.Transcript{GuildID: "G", DestinationID: "S", UserID: "U", Text: "hi"}))
	assert.Empty(t, s.executions)
}

func TestDeliverUnknownMemberIsNoop(t *testing.T) {
	s := newMockSession()
	s.webhooks["S"] = []*discordgo.Webhook{{ID: "W", Token: "t"}}
	d := NewTranscripts(s, NewIdentityResolver(s, nil))

	assert.NoError(t, d.Deliver(context.Background(), scribe.Transcript{GuildID: "G", DestinationID: "S", UserID: "U", Text: "hi"}))
	assert.Empty(t, s.executions)
}

func TestDeliverReportsExecuteFailure(t *testing.T) {
	s := newMockSession()
	s.members["G/U"] = member("", "", "user1")
	s.webhooks["S"] = []*discordgo.Webhook{{ID: "W", Token: "t"}}
	s.executeErr = errors.New("HTTP 500")
	d := NewTranscripts(s, NewIdentityResolver(s, nil))

	assert.Error(t, d.Deliver(context.Background(), scribe.Transcript{GuildID: "G", DestinationID: "S", UserID: "U", Text: "hi"}))
}

func TestIdentityCacheExpires(t *testing.T) {
	s := newMockSession()
	s.members["G/U"] = member("", "", "user1")
	r := NewIdentityResolver(s, nil)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Member(context.Background(), "G", "U")
	r.Member(context.Background(), "G", "U")
	assert.Equal(t, 1, s.memberCalls)

	now = now.Add(cacheTTL + time.Second)
	r.Member(context.Background(), "G", "U")
	assert.Equal(t, 2, s.memberCalls)
}

func TestIdentityPrefersState(t *testing.T) {
	s := newMockSession()
	st := discordgo.NewState()
	require.NoError(t, st.GuildAdd(&discordgo.Guild{ID: "G"}))
	require.NoError(t, st.MemberAdd(&discordgo.Member{GuildID: "G", Nick: "Cached", User: &discordgo.User{ID: "U", Username: "u"}}))

	id := NewIdentityResolver(s, st).Member(context.Background(), "G", "U")
	require.NotNil(t, id)
	assert.Equal(t, "Cached", id.DisplayName)
	assert.Zero(t, s.memberCalls)
}

func TestRoleToggle(t *testing.T) {
	s := newMockSession()
	s.members["G/U"] = &discordgo.Member{User: &discordgo.User{ID: "U"}, Roles: []string{"other"}}
	r := NewRoles(s)

	has, err := r.Toggle(context.Background(), "G", "U", "R")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []string{"G/U/R"}, s.roleAdds)

	s.members["G/U"].Roles = append(s.members["G/U"].Roles, "R")
	has, err = r.Toggle(context.Background(), "G", "U", "R")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, []string{"G/U/R"}, s.roleRemoves)
}

func TestRoleToggleErrors(t *testing.T) {
	s := newMockSession()
	r := NewRoles(s)

	_, err := r.Toggle(context.Background(), "G", "missing", "R")
	assert.Error(t, err)

	s.members["G/U"] = &discordgo.Member{User: &discordgo.User{ID: "U"}}
	s.roleErr = errors.New("HTTP 403 Forbidden")
	has, err := r.Toggle(context.Background(), "G", "U", "R")
	assert.Error(t, err)
	assert.False(t, has)
}
