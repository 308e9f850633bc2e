// Package mcp exposes the bot's operator surface as an MCP server over a
// websocket: live call state plus the link and consent records that drive
// notifications and transcription.
//
// Sessions without credentials only see the read tools. A session that
// presents the configured bearer token also gets the write tools; with no
// token configured the write tools are unreachable.
package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/presence"
	"github.com/discord-voice-lab/callwatch/internal/store"
)

// Calls reports the calls currently tracked by the coordinator.
type Calls interface {
	Snapshot() []presence.CallSnapshot
}

// Records is the subset of the store the operator tools read and write.
type Records interface {
	NotificationLink(ctx context.Context, voiceChannelID string) (*store.NotificationLink, error)
	ScribeLink(ctx context.Context, voiceChannelID string) (*store.ScribeLink, error)
	LinkNotifications(ctx context.Context, l store.NotificationLink) error
	UnlinkNotifications(ctx context.Context, voiceChannelID string) (bool, error)
	LinkScribe(ctx context.Context, l store.ScribeLink) error
	UnlinkScribe(ctx context.Context, voiceChannelID string) (bool, error)
	Consent(ctx context.Context, c store.Consent) error
	Unconsent(ctx context.Context, userID, voiceChannelID string) (bool, error)
	Consents(ctx context.Context, userID, guildID string) ([]store.Consent, error)
}

// Roles toggles a member's notification role.
type Roles interface {
	Toggle(ctx context.Context, guildID, userID, roleID string) (bool, error)
}

type channelArgs struct {
	ChannelID string `json:"channel_id" jsonschema:"voice channel id"`
}

type notificationArgs struct {
	GuildID       string `json:"guild_id" jsonschema:"guild id"`
	ChannelID     string `json:"channel_id" jsonschema:"voice channel id"`
	DestinationID string `json:"destination_id" jsonschema:"text or voice channel receiving call notices"`
	RoleID        string `json:"role_id" jsonschema:"role pinged when a call starts"`
}

type scribeArgs struct {
	GuildID       string `json:"guild_id" jsonschema:"guild id"`
	ChannelID     string `json:"channel_id" jsonschema:"voice channel id"`
	DestinationID string `json:"destination_id" jsonschema:"channel receiving transcripts"`
}

type consentArgs struct {
	GuildID   string `json:"guild_id" jsonschema:"guild id"`
	ChannelID string `json:"channel_id" jsonschema:"voice channel id"`
	UserID    string `json:"user_id" jsonschema:"member id"`
}

type optArgs struct {
	ChannelID string `json:"channel_id" jsonschema:"voice channel whose notification role to toggle"`
	UserID    string `json:"user_id" jsonschema:"member id"`
}

type memberArgs struct {
	GuildID string `json:"guild_id" jsonschema:"guild id"`
	UserID  string `json:"user_id" jsonschema:"member id"`
}

// ChannelLinks is the channel_links tool result.
type ChannelLinks struct {
	ChannelID     string        `json:"channel_id"`
	Notifications *Notification `json:"notifications,omitempty"`
	Scribe        *Scribe       `json:"scribe,omitempty"`
}

type Notification struct {
	GuildID       string `json:"guild_id"`
	DestinationID string `json:"destination_id"`
	RoleID        string `json:"role_id"`
}

type Scribe struct {
	GuildID       string `json:"guild_id"`
	DestinationID string `json:"destination_id"`
}

// ConsentView is one entry of the member_consents tool result.
type ConsentView struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
}

// RoleOpt is the opt_role tool result.
type RoleOpt struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	RoleID    string `json:"role_id"`
	OptedIn   bool   `json:"opted_in"`
}

// Removal is returned by the unlink and unconsent tools.
type Removal struct {
	Removed bool `json:"removed"`
}

// Server owns the MCP tool registries: reader serves anonymous sessions,
// admin serves sessions holding the token.
type Server struct {
	reader   *sdk.Server
	admin    *sdk.Server
	calls    Calls
	records  Records
	roles    Roles
	token    string
	upgrader websocket.Upgrader
}

type Option func(*Server)

// WithToken sets the bearer token that unlocks the write tools.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func NewServer(calls Calls, records Records, roles Roles, version string, opts ...Option) *Server {
	impl := &sdk.Implementation{Name: "callwatch", Version: version}
	s := &Server{
		reader:  sdk.NewServer(impl, nil),
		admin:   sdk.NewServer(impl, nil),
		calls:   calls,
		records: records,
		roles:   roles,
		// the zero Upgrader refuses requests whose Origin is not the host
		upgrader: websocket.Upgrader{},
	}
	for _, o := range opts {
		o(s)
	}
	s.registerReads(s.reader)
	s.registerReads(s.admin)
	s.registerWrites(s.admin)
	return s
}

func (s *Server) registerReads(srv *sdk.Server) {
	sdk.AddTool(srv, &sdk.Tool{Name: "active_calls", Description: "List calls currently tracked, oldest first"},
		func(ctx context.Context, _ *sdk.CallToolRequest, _ struct{}) (*sdk.CallToolResult, any, error) {
			return jsonResult(s.calls.Snapshot())
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "channel_links", Description: "Show the notification and scribe links of a voice channel"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in channelArgs) (*sdk.CallToolResult, any, error) {
			if in.ChannelID == "" {
				return nil, nil, errors.New("channel_id is required")
			}
			out := ChannelLinks{ChannelID: in.ChannelID}
			nl, err := s.records.NotificationLink(ctx, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			if nl != nil {
				out.Notifications = &Notification{GuildID: nl.GuildID, DestinationID: nl.DestinationID, RoleID: nl.RoleID}
			}
			sl, err := s.records.ScribeLink(ctx, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			if sl != nil {
				out.Scribe = &Scribe{GuildID: sl.GuildID, DestinationID: sl.DestinationID}
			}
			return jsonResult(out)
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "member_consents", Description: "List a member's transcription consents in a guild"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in memberArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"guild_id": in.GuildID, "user_id": in.UserID}); err != nil {
				return nil, nil, err
			}
			rows, err := s.records.Consents(ctx, in.UserID, in.GuildID)
			if err != nil {
				return nil, nil, err
			}
			out := make([]ConsentView, 0, len(rows))
			for _, r := range rows {
				out = append(out, ConsentView{UserID: r.UserID, GuildID: r.GuildID, ChannelID: r.VoiceChannelID})
			}
			return jsonResult(out)
		})
}

func (s *Server) registerWrites(srv *sdk.Server) {
	sdk.AddTool(srv, &sdk.Tool{Name: "link_notifications", Description: "Announce calls in a voice channel to a destination, pinging a role"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in notificationArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"guild_id": in.GuildID, "channel_id": in.ChannelID, "destination_id": in.DestinationID, "role_id": in.RoleID}); err != nil {
				return nil, nil, err
			}
			err := s.records.LinkNotifications(ctx, store.NotificationLink{
				VoiceChannelID: in.ChannelID,
				GuildID:        in.GuildID,
				DestinationID:  in.DestinationID,
				RoleID:         in.RoleID,
			})
			if err != nil {
				return nil, nil, err
			}
			logging.InfowCtx(ctx, "notification link set", append(logging.CallFields(in.GuildID, in.ChannelID), "destination.id", in.DestinationID)...)
			return jsonResult(Notification{GuildID: in.GuildID, DestinationID: in.DestinationID, RoleID: in.RoleID})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "unlink_notifications", Description: "Stop announcing calls in a voice channel"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in channelArgs) (*sdk.CallToolResult, any, error) {
			if in.ChannelID == "" {
				return nil, nil, errors.New("channel_id is required")
			}
			ok, err := s.records.UnlinkNotifications(ctx, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(Removal{Removed: ok})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "link_scribe", Description: "Post transcripts of a voice channel to a destination"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in scribeArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"guild_id": in.GuildID, "channel_id": in.ChannelID, "destination_id": in.DestinationID}); err != nil {
				return nil, nil, err
			}
			err := s.records.LinkScribe(ctx, store.ScribeLink{
				VoiceChannelID: in.ChannelID,
				GuildID:        in.GuildID,
				DestinationID:  in.DestinationID,
			})
			if err != nil {
				return nil, nil, err
			}
			logging.InfowCtx(ctx, "scribe link set", append(logging.CallFields(in.GuildID, in.ChannelID), "destination.id", in.DestinationID)...)
			return jsonResult(Scribe{GuildID: in.GuildID, DestinationID: in.DestinationID})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "unlink_scribe", Description: "Stop transcribing a voice channel"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in channelArgs) (*sdk.CallToolResult, any, error) {
			if in.ChannelID == "" {
				return nil, nil, errors.New("channel_id is required")
			}
			ok, err := s.records.UnlinkScribe(ctx, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(Removal{Removed: ok})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "scribe_consent", Description: "Record a member's consent to be transcribed in a voice channel"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in consentArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"guild_id": in.GuildID, "channel_id": in.ChannelID, "user_id": in.UserID}); err != nil {
				return nil, nil, err
			}
			err := s.records.Consent(ctx, store.Consent{UserID: in.UserID, VoiceChannelID: in.ChannelID, GuildID: in.GuildID})
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(ConsentView{UserID: in.UserID, GuildID: in.GuildID, ChannelID: in.ChannelID})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "scribe_unconsent", Description: "Withdraw a member's transcription consent for a voice channel"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in consentArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"channel_id": in.ChannelID, "user_id": in.UserID}); err != nil {
				return nil, nil, err
			}
			ok, err := s.records.Unconsent(ctx, in.UserID, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(Removal{Removed: ok})
		})

	sdk.AddTool(srv, &sdk.Tool{Name: "opt_role", Description: "Give a member the notification role of a voice channel, or take it away if they hold it"},
		func(ctx context.Context, _ *sdk.CallToolRequest, in optArgs) (*sdk.CallToolResult, any, error) {
			if err := required(map[string]string{"channel_id": in.ChannelID, "user_id": in.UserID}); err != nil {
				return nil, nil, err
			}
			link, err := s.records.NotificationLink(ctx, in.ChannelID)
			if err != nil {
				return nil, nil, err
			}
			if link == nil {
				return nil, nil, fmt.Errorf("channel %s has no notification link", in.ChannelID)
			}
			has, err := s.roles.Toggle(ctx, link.GuildID, in.UserID, link.RoleID)
			if err != nil {
				return nil, nil, err
			}
			return jsonResult(RoleOpt{GuildID: link.GuildID, ChannelID: in.ChannelID, UserID: in.UserID, RoleID: link.RoleID, OptedIn: has})
		})
}

// ServeHTTP upgrades the request and serves one MCP session until the peer
// goes away. A request carrying a wrong token is refused before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv := s.reader
	if h := r.Header.Get("Authorization"); h != "" {
		if !s.authorized(h) {
			logging.Warnw("mcp token rejected", "remote", r.RemoteAddr)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		srv = s.admin
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("mcp upgrade failed", "err", err, "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"))
		return
	}
	session, err := srv.Connect(r.Context(), NewWebSocketTransport(conn), nil)
	if err != nil {
		logging.Warnw("mcp connect failed", "err", err, "remote", r.RemoteAddr)
		_ = conn.Close()
		return
	}
	logging.Debugw("mcp session opened", "remote", r.RemoteAddr, "admin", srv == s.admin)
	if err := session.Wait(); err != nil {
		logging.Debugw("mcp session ended", "err", err, "remote", r.RemoteAddr)
	}
	_ = session.Close()
}

func (s *Server) authorized(header string) bool {
	if s.token == "" {
		return false
	}
	got, ok := strings.CutPrefix(header, "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(b)}}}, nil, nil
}

func required(fields map[string]string) error {
	var errs []error
	for name, v := range fields {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	return errors.Join(errs...)
}
