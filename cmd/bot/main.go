package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/discord-voice-lab/callwatch/internal/config"
	"github.com/discord-voice-lab/callwatch/internal/delivery"
	"github.com/discord-voice-lab/callwatch/internal/gateway"
	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/mcp"
	"github.com/discord-voice-lab/callwatch/internal/metrics"
	"github.com/discord-voice-lab/callwatch/internal/presence"
	"github.com/discord-voice-lab/callwatch/internal/scribe"
	"github.com/discord-voice-lab/callwatch/internal/stt"
	"github.com/discord-voice-lab/callwatch/internal/stt/whisperhttp"
	"github.com/discord-voice-lab/callwatch/internal/stt/whispernative"
	"github.com/discord-voice-lab/callwatch/internal/store"
	"github.com/discord-voice-lab/callwatch/internal/voice"
)

var version = "dev"

const (
	dispatchLanes = 8
	dispatchDepth = 256
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logging is not configured yet
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.LogLevel)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatalw("callwatch stopped", "err", err)
	}
	logging.Infow("shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Warnw("store close error", "err", err)
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	engine, closeEngine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEngine(); err != nil {
			logging.Warnw("stt engine close error", "err", err)
		}
	}()

	m := metrics.New()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("discordgo.New: %w", err)
	}
	// Guilds fills the state cache with channels and voice states, which is
	// where occupancy comes from.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	dg.SyncEvents = true
	logging.Infow("using gateway intents", "intents", dg.Identify.Intents)

	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord session open: %w", err)
	}
	defer func() {
		if err := dg.Close(); err != nil {
			logging.Warnw("discord session close error", "err", err)
		}
	}()
	selfID := dg.State.User.ID
	logging.Infow("discord session opened", logging.UserFields(selfID, dg.State.User.Username)...)

	identities := delivery.NewIdentityResolver(dg, dg.State)
	pipeline := scribe.New(scribe.Config{
		MinBytes:   cfg.Scribe.MinUtteranceBytes,
		SilenceRMS: cfg.Scribe.SilenceRMS,
		Decimation: cfg.Scribe.Decimation,
	}, voice.NewOpusDecoder, engine, delivery.NewTranscripts(dg, identities), m)
	logging.Infow("scribe pipeline ready", "engine.rate", pipeline.EngineRate(), "stt.backend", cfg.STT.Backend)

	manager := voice.NewManager(voice.DiscordDialer{Session: dg}, st, pipeline, cfg.Scribe.Silence, m)
	defer func() {
		if err := manager.Close(); err != nil {
			logging.Warnw("voice manager close error", "err", err)
		}
	}()

	roster := &gateway.StateRoster{State: dg.State, SelfID: selfID}
	coordinator := presence.New(selfID, st, roster, delivery.NewNotifier(dg), manager,
		presence.WithNotifyDelay(cfg.Notify.Delay),
		presence.WithMetrics(m),
		presence.WithContext(ctx),
	)

	dispatcher := gateway.NewDispatcher(dispatchLanes, dispatchDepth)
	defer dispatcher.Close()
	handler := gateway.NewHandler(selfID, roster, coordinator, dispatcher)
	removeHandler := dg.AddHandler(handler.OnVoiceStateUpdate)
	defer removeHandler()

	ops := mcp.NewServer(coordinator, st, delivery.NewRoles(dg), version, mcp.WithToken(cfg.OpsToken))
	if cfg.OpsToken == "" {
		logging.Infow("no ops token configured, operator tools are read-only")
	}
	return serveStatus(ctx, cfg.StatusAddr, newStatusMux(m, ops))
}

// serveStatus serves h on addr until ctx is done. An empty addr disables the
// server and only waits for ctx.
func serveStatus(ctx context.Context, addr string, h http.Handler) error {
	if addr == "" {
		logging.Infow("status server disabled")
		<-ctx.Done()
		logging.Infow("shutdown signal received, closing resources")
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Infow("status server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Infow("shutdown signal received, closing resources")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newEngine builds the configured speech-to-text engine and its closer.
func newEngine(cfg config.Config) (stt.Engine, func() error, error) {
	switch cfg.STT.Backend {
	case config.BackendHTTP:
		c, err := whisperhttp.New(cfg.STT.URL, cfg.STT.Timeout, whisperhttp.WithLanguage(cfg.STT.Language))
		if err != nil {
			return nil, nil, err
		}
		return c, func() error { return nil }, nil
	case config.BackendNative:
		if rate := scribe.CaptureRate / cfg.Scribe.Decimation; rate != whispernative.ExpectedSampleRate {
			return nil, nil, fmt.Errorf("native stt needs %d Hz audio, decimation %d gives %d Hz",
				whispernative.ExpectedSampleRate, cfg.Scribe.Decimation, rate)
		}
		e, err := whispernative.New(cfg.STT.ModelPath, cfg.STT.Language)
		if err != nil {
			return nil, nil, fmt.Errorf("native stt: %w", err)
		}
		return e, e.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown stt backend %q", cfg.STT.Backend)
	}
}

func newStatusMux(m *metrics.Metrics, ops http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/mcp/ws", ops)
	return mux
}
