package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ocproxy/ocproxy/internal/api"
	"github.com/ocproxy/ocproxy/internal/auth"
	"github.com/ocproxy/ocproxy/internal/common/config"
	"github.com/ocproxy/ocproxy/internal/common/logger"
	"github.com/ocproxy/ocproxy/internal/events/bus"
	"github.com/ocproxy/ocproxy/internal/gateway"
	"github.com/ocproxy/ocproxy/internal/orchestrator"
	"github.com/ocproxy/ocproxy/internal/queue"
	"github.com/ocproxy/ocproxy/internal/serve"
	"github.com/ocproxy/ocproxy/internal/session"
	"github.com/ocproxy/ocproxy/internal/store"
	"github.com/ocproxy/ocproxy/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ocproxy...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Persistent store
	dbPath, err := cfg.Store.ExpandedPath()
	if err != nil {
		log.Fatal("Failed to resolve store path", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatal("Failed to create store directory", zap.Error(err))
	}
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Opened store", zap.String("path", dbPath))

	// 5. Core components
	portMin, portMax := cfg.Serve.PortMin, cfg.Serve.PortMax
	if pr, ok, err := st.GetPortRange(ctx); err == nil && ok {
		portMin, portMax = pr.Min, pr.Max
	}
	supervisor := serve.NewSupervisor(serve.Config{
		Binary:  cfg.Serve.Binary,
		PortMin: portMin,
		PortMax: portMax,
	}, eventBus, log)

	wtBase, err := cfg.Worktree.ExpandedBasePath()
	if err != nil {
		log.Fatal("Failed to resolve worktree base path", zap.Error(err))
	}
	worktrees, err := worktree.NewManager(worktree.Config{
		Enabled:  cfg.Worktree.Enabled,
		BasePath: wtBase,
	}, st, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	registry := session.NewRegistry(st, log)
	clients := session.NewClientMap()
	sessionAPI := session.NewAPIClient(log)
	allowlist := auth.NewAllowlist(st, log)
	queues := queue.NewService(st, eventBus, log)

	// 6. Gateway connection and notifier
	var notifier orchestrator.ChannelNotifier
	var gwClient *gateway.Client
	var gwNotifier *gateway.Notifier
	var handler *gateway.Handler
	if cfg.Gateway.Enabled {
		gwClient = gateway.NewClient(gateway.Config{
			URL:   cfg.Gateway.URL,
			Token: cfg.Gateway.Token,
		}, func(msg gateway.InboundMessage) {
			if handler != nil {
				handler.HandleMessage(msg)
			}
		}, log)
		gwNotifier = gateway.NewNotifier(gwClient)
		notifier = gwNotifier
	} else {
		notifier = logNotifier{log: log}
	}

	// 7. Orchestrator and dispatcher
	runner := orchestrator.NewRunner(st, registry, clients, worktrees,
		supervisor, sessionAPI, notifier, queues, eventBus, log)
	runner.SetReadyTimeout(cfg.Serve.ReadyTimeoutDuration())

	dispatcher := queue.NewDispatcher(queues, clients, notifier, log)
	dispatcher.SetRunner(runner)
	runner.SetDispatcher(dispatcher)

	if cfg.Gateway.Enabled {
		handler = gateway.NewHandler(cfg.Gateway.BotUserID, allowlist, st,
			dispatcher, queues, runner, gwNotifier, log)
		if err := gwClient.Connect(ctx); err != nil {
			log.Fatal("Failed to connect to gateway", zap.Error(err))
		}
		defer gwClient.Close()
	}

	// 8. Status/admin HTTP API
	apiHandler := api.NewHandler(supervisor, registry, queues, st, allowlist, worktrees, log)
	apiHandler.SetInterrupter(runner)
	router := api.NewRouter(apiHandler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ocproxy...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	supervisor.StopAll(shutdownCtx)

	log.Info("ocproxy stopped")
}

// logNotifier stands in for the gateway notifier when the gateway is
// disabled.
type logNotifier struct {
	log *logger.Logger
}

func (n logNotifier) Notify(ctx context.Context, channelID, message string) error {
	n.log.Info("notify", zap.String("channel_id", channelID), zap.String("message", message))
	return nil
}

func (n logNotifier) StreamUpdate(ctx context.Context, threadID, text string) error {
	n.log.Debug("stream update", zap.String("thread_id", threadID), zap.Int("len", len(text)))
	return nil
}

func (n logNotifier) StreamFinal(ctx context.Context, threadID, text string) error {
	n.log.Info("stream final", zap.String("thread_id", threadID), zap.String("text", text))
	return nil
}
