package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/gitrelay/internal/command"
	"github.com/user/gitrelay/internal/config"
	"github.com/user/gitrelay/internal/discord"
	"github.com/user/gitrelay/internal/dispatch"
	"github.com/user/gitrelay/internal/github"
	"github.com/user/gitrelay/internal/notifier"
	"github.com/user/gitrelay/internal/registry"
	"github.com/user/gitrelay/internal/slack"
	"github.com/user/gitrelay/internal/storage"
	"github.com/user/gitrelay/internal/telegram"
	"github.com/user/gitrelay/pkg/logger"
)

// transport is a connected chat platform.
type transport interface {
	notifier.Sender
	Start() error
	Stop()
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try to initialize basic logger for error output
		_ = logger.Init("info", "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger
	if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Str("platform", cfg.Chat.Platform).Msg("Starting GitRelay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := storage.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Database initialized")

	reg := registry.New(storage.NewChannelStore(db))

	// Webhooks are accepted while the registry loads; events wait for it.
	go func() {
		if err := reg.LoadWithRetry(ctx, cfg.Registry.LoadAttempts, cfg.Registry.LoadBackoff); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Fatal().Err(err).Msg("Failed to load channel registry")
		}
	}()

	ghClient := github.NewClient(cfg.GitHub.Token)

	// Initialize chat transport
	bot, lister, prefix, err := newTransport(ctx, cfg, reg, ghClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize chat transport")
	}

	notify := notifier.NewNotifier(dispatch.New(reg), reg, bot, notifier.Config{
		Workers:         cfg.Notifier.Workers,
		QueueSize:       cfg.Notifier.QueueSize,
		Fanout:          cfg.Notifier.Fanout,
		RatePerSec:      cfg.Notifier.RatePerSec,
		DeliveryTimeout: cfg.Notifier.DeliveryTimeout,
		ReadyTimeout:    cfg.Registry.ReadyTimeout,
	})
	notify.Start(ctx)

	// Set up HTTP router for webhooks
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !reg.Ready() {
			http.Error(w, "Loading channel registry", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// GitHub webhook endpoint (if webhook or both mode)
	if cfg.GitHub.Webhooks() {
		webhookHandler := github.NewWebhookHandler(cfg.GitHub.WebhookSecret, notify)
		r.Post("/webhook", webhookHandler.ServeHTTP)
		r.Post("/webhook/github", webhookHandler.ServeHTTP)
		logger.Info().Msg("Webhook endpoint enabled at /webhook")
	}

	if cfg.Chat.Platform == config.PlatformSlack {
		commands := command.NewHandler(reg, ghClient, prefix)
		r.Post("/slack/commands", slack.NewCommandHandler(cfg.Slack.SigningSecret, commands))
	}

	// Start HTTP server
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.ServerAddress()).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Start chat transport
	if err := bot.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start chat transport")
	}

	// Start poller if enabled (polling or both mode)
	var poller *github.Poller
	if cfg.GitHub.Polling() {
		poller = github.NewPoller(ghClient, reg, notify, cfg.GitHub.PollInterval)
		poller.Start(ctx)
	}

	var job *registry.ReconcileJob
	if lister != nil && cfg.Registry.ReconcileSchedule != "" {
		job, err = registry.NewReconcileJob(reg, lister, cfg.Registry.ReconcileSchedule)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to schedule channel reconciliation")
		}
		job.Start(ctx)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop HTTP server first so no new events are accepted
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if poller != nil {
		poller.Stop()
	}
	if job != nil {
		job.Stop()
	}

	// Drain queued events before the transport goes away
	notify.Stop(shutdownCtx)
	bot.Stop()

	logger.Info().Msg("Shutdown complete")
}

// newTransport connects the configured chat platform. lister is nil when the
// platform cannot enumerate its channels.
func newTransport(ctx context.Context, cfg *config.Config, reg *registry.Registry, gh *github.Client) (transport, registry.Lister, string, error) {
	switch cfg.Chat.Platform {
	case config.PlatformTelegram:
		commands := command.NewHandler(reg, gh, "/")
		bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug, reg, commands)
		return bot, nil, "/", err

	case config.PlatformDiscord:
		prefix := cfg.Discord.Prefix
		if prefix == "" {
			prefix = discord.DefaultPrefix
		}
		commands := command.NewHandler(reg, gh, prefix)
		bot, err := discord.NewBot(cfg.Discord.Token, prefix, reg, commands)
		return bot, bot, prefix, err

	case config.PlatformSlack:
		authCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		bot, err := slack.NewBot(authCtx, cfg.Slack.Token, cfg.Slack.Debug)
		return bot, bot, "/gitrelay ", err
	}
	return nil, nil, "", errors.New("unknown chat platform " + cfg.Chat.Platform)
}
