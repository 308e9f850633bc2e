package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "callwatch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestNotificationLinkAbsentIsNil(t *testing.T) {
	s := newTestStore(t)
	l, err := s.NotificationLink(context.Background(), "V1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestLinkNotificationsUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LinkNotifications(ctx, NotificationLink{VoiceChannelID: "V1", GuildID: "G", DestinationID: "T1", RoleID: "R1"}))
	require.NoError(t, s.LinkNotifications(ctx, NotificationLink{VoiceChannelID: "V1", GuildID: "G", DestinationID: "T2", RoleID: "R2"}))

	l, err := s.NotificationLink(ctx, "V1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "T2", l.DestinationID)
	assert.Equal(t, "R2", l.RoleID)

	removed, err := s.UnlinkNotifications(ctx, "V1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.UnlinkNotifications(ctx, "V1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestScribeLinkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.LinkScribe(ctx, ScribeLink{VoiceChannelID: "V1", GuildID: "G", DestinationID: "S1"}))
	require.NoError(t, s.LinkScribe(ctx, ScribeLink{VoiceChannelID: "V1", GuildID: "G", DestinationID: "S2"}))
	l, err := s.ScribeLink(ctx, "V1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "S2", l.DestinationID)

	other, err := s.ScribeLink(ctx, "V2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestConsentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Consent(ctx, Consent{UserID: "U", VoiceChannelID: "V1", GuildID: "G"})
	assert.ErrorIs(t, err, ErrNoScribeLink)

	require.NoError(t, s.LinkScribe(ctx, ScribeLink{VoiceChannelID: "V1", GuildID: "G", DestinationID: "S"}))
	require.NoError(t, s.LinkScribe(ctx, ScribeLink{VoiceChannelID: "V2", GuildID: "G", DestinationID: "S"}))
	require.NoError(t, s.Consent(ctx, Consent{UserID: "U", VoiceChannelID: "V1", GuildID: "G"}))

	ok, err := s.HasConsent(ctx, "U", "V1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasConsent(ctx, "U", "V2")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Consent(ctx, Consent{UserID: "U", VoiceChannelID: "V1", GuildID: "G"}), ErrAlreadyConsented)
	assert.ErrorIs(t, s.Consent(ctx, Consent{UserID: "U", VoiceChannelID: "V2", GuildID: "G"}), ErrConsentElsewhere)

	rows, err := s.Consents(ctx, "U", "G")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	removed, err := s.Unconsent(ctx, "U", "V2")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = s.Unconsent(ctx, "U", "V1")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err = s.HasConsent(ctx, "U", "V1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Consent(ctx, Consent{UserID: "U", VoiceChannelID: "V2", GuildID: "G"}))
}
