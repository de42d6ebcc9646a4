package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/internal/channel"
	"github.com/parleyhq/parley/internal/channel/broker"
	"github.com/parleyhq/parley/internal/channel/discord"
	"github.com/parleyhq/parley/internal/channel/telegram"
	"github.com/parleyhq/parley/internal/channel/webchat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/inference"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/passage"
	"github.com/parleyhq/parley/internal/retrieval"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/tools"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.WithComponent("main").Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	logger := logging.WithComponent("main")

	logger.Info("Starting Parley", "version", version)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}
	// Fail now rather than mid-conversation: if the static context alone
	// fills the default model's window, no amount of history eviction
	// can ever free up room for a reply.
	if err := session.CheckStaticBudget(cfg.Conversation.StaticContext, cfg.Conversation.Model); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inferenceRouter, err := inference.NewRouter(cfg)
	if err != nil {
		logger.Error("Failed to create inference router", "error", err)
		os.Exit(1)
	}

	healthCtx, healthCancel := context.WithTimeout(ctx, 10*time.Second)
	for name, err := range inferenceRouter.Health(healthCtx) {
		if err != nil {
			logger.Error("Inference engine error", "engine", name, "error", err)
		} else {
			logger.Info("Inference engine OK", "engine", name)
		}
	}
	healthCancel()

	embedder, err := inferenceRouter.Engine(cfg.Inference.DefaultEngine)
	if err != nil {
		logger.Error("Failed to resolve embedding engine", "error", err)
		os.Exit(1)
	}

	store, err := passage.Open(cfg.Passages.Path)
	if err != nil {
		logger.Error("Failed to open passage store", "error", err)
		os.Exit(1)
	}
	logger.Info("Passage store opened", "path", cfg.Passages.Path)

	var retriever retrieval.Retriever
	switch cfg.Retrieval.Mode {
	case "http":
		retriever = retrieval.NewHTTPRetriever(&cfg.Retrieval)
		logger.Info("Retrieval backend configured", "mode", "http", "url", cfg.Retrieval.URL)
	case "local":
		retriever = retrieval.NewLocalRetriever(embedder, store)
		logger.Info("Retrieval backend configured", "mode", "local")
	default:
		retriever = retrieval.Disabled{}
		logger.Info("Retrieval disabled")
	}

	dispatcher := tools.NewDispatcher(&cfg.Tools, embedder, store)

	hub := channel.NewHub(cfg.Conversation.MailboxSize)
	if cfg.Channels.Discord.Enabled {
		hub.Register(discord.NewAdapter(cfg.Channels.Discord.Token))
		logger.Info("Discord adapter initialized")
	}
	if cfg.Channels.Telegram.Enabled {
		hub.Register(telegram.NewAdapter(cfg.Channels.Telegram.Token))
		logger.Info("Telegram adapter initialized")
	}
	if cfg.Channels.WebChat.Enabled {
		hub.Register(webchat.NewAdapter(cfg.Channels.WebChat.Port))
		logger.Info("WebChat adapter initialized")
	}
	var brokerAdapter *broker.Adapter
	if cfg.Channels.Broker.Enabled {
		brokerAdapter = broker.NewAdapter(broker.Config{
			Enabled:  true,
			Addr:     cfg.Channels.Broker.Addr,
			Password: cfg.Channels.Broker.Password,
			DB:       cfg.Channels.Broker.DB,
			Group:    cfg.Channels.Broker.Group,
			Consumer: cfg.Channels.Broker.Consumer,
		})
		hub.Register(brokerAdapter)
		logger.Info("Broker adapter initialized")
	}

	registry := conversation.NewRegistry(conversation.Settings{
		WakePhrase:  cfg.Conversation.WakePhrase,
		Model:       cfg.Conversation.Model,
		Engine:      inferenceRouter.Default(),
		Tools:       cfg.Conversation.Tools,
		Static:      cfg.Conversation.StaticContext,
		Threshold:   cfg.Retrieval.Threshold,
		Limit:       cfg.Retrieval.Limit,
		MailboxSize: cfg.Conversation.MailboxSize,
	}, conversation.Deps{
		Broadcaster: hub,
		Generator:   inferenceRouter,
		Retriever:   retriever,
		Tools:       dispatcher,
	})
	registry.Start(ctx)

	if err := hub.Start(ctx); err != nil {
		logger.Error("Failed to start transports", "error", err)
		os.Exit(1)
	}

	// Pump inbound envelopes from the transports into their
	// conversations. FetchOrCreate spawns the actor on first contact.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-hub.Inbound():
				if err := registry.Route(ctx, env); err != nil {
					if errors.Is(err, conversation.ErrRegistryClosed) {
						return
					}
					logger.Error("Failed to route envelope", "envelope", env.ID, "error", err)
				}
			}
		}
	}()

	sched, err := scheduler.New(&cfg.Scheduler, registry, store)
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()
	logger.Info("Scheduler started")

	// The DLQ exists only once the broker transport has started; leave
	// the interface nil otherwise so the admin routes answer 404.
	var dlq server.DeadLetterStore
	if brokerAdapter != nil {
		if q := brokerAdapter.DLQ(); q != nil {
			dlq = q
		}
	}
	srv := server.New(cfg, registry, inferenceRouter, hub, dlq)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
		}
	}()
	logger.Info("Server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Stopping transports")
	hub.Stop()

	logger.Info("Stopping scheduler")
	sched.Stop()

	logger.Info("Stopping conversations")
	cancel()

	logger.Info("Stopping HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if err := store.Close(); err != nil {
		logger.Error("Passage store close error", "error", err)
	}

	logger.Info("Shutdown complete")
}
