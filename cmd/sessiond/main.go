// Command sessiond runs the multi-tenant agent session daemon: a single
// WebSocket gateway backed by the Session Manager, Rewind Engine, Memory
// Store, Provider Registry, and State Broadcaster.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sessiond/core/internal/agentquery"
	"github.com/sessiond/core/internal/broadcaster"
	"github.com/sessiond/core/internal/common/config"
	"github.com/sessiond/core/internal/common/httpmw"
	"github.com/sessiond/core/internal/common/logger"
	sessiondb "github.com/sessiond/core/internal/db"
	"github.com/sessiond/core/internal/events/bus"
	gatewayws "github.com/sessiond/core/internal/gateway/websocket"
	"github.com/sessiond/core/internal/memory"
	memorywshandlers "github.com/sessiond/core/internal/memory/wshandlers"
	"github.com/sessiond/core/internal/provider"
	providerwshandlers "github.com/sessiond/core/internal/provider/wshandlers"
	"github.com/sessiond/core/internal/rewind"
	"github.com/sessiond/core/internal/roommgr"
	"github.com/sessiond/core/internal/sessioncache"
	"github.com/sessiond/core/internal/sessionmgr"
	sessionwshandlers "github.com/sessiond/core/internal/sessionmgr/wshandlers"
	"github.com/sessiond/core/internal/store"
	"github.com/jmoiron/sqlx"
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
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting session daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the Message Hub: NATS when configured, else in-process.
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Open the persistence layer.
	st, err := newStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	// 6. Session Cache, Provider Registry, Rewind Engine, Memory Store.
	cache := sessioncache.New(cfg.Session.CacheCapacity, cfg.Session.IdleTTL(), log)
	providers := provider.NewRegistry(log)
	rewindEngine := rewind.New(st, eventBus, log)
	memStore := memory.New(st)

	// 7. Session Manager. Real provider SDK transports are external
	// collaborators this daemon does not implement; agentquery.FakeFactory
	// is the only Factory in the tree until a concrete provider client is
	// wired in.
	mgr := sessionmgr.New(st, cache, eventBus, agentquery.FakeFactory{}, providers, rewindEngine, log)
	defer mgr.Cleanup(context.Background())

	// 7b. Room Agent & Session Bridge (component G): one Room Agent per
	// persisted room, sharing a single Bridge Manager.
	rooms := roommgr.New(st, eventBus, mgr, cfg.Room, log)
	if err := rooms.StartAll(ctx); err != nil {
		log.Error("Failed to start room agents", zap.Error(err))
	}
	defer rooms.Stop()

	// 8. State Broadcaster (component J): snapshot + delta machinery over
	// the bus events the Session Manager, Rewind Engine, and Room Agent
	// publish.
	stateSnapshots := broadcaster.New(mgr, st, eventBus, log)
	defer stateSnapshots.Close()

	// 9. WebSocket gateway: dispatcher, hub, and the bus-to-channel bridge.
	gateway := gatewayws.NewGateway(log)
	stateBroadcaster := gatewayws.RegisterStateBroadcaster(ctx, eventBus, gateway.Hub, log)
	defer stateBroadcaster.Close()

	sessionwshandlers.NewHandlers(mgr, log).RegisterHandlers(gateway.Dispatcher)
	memorywshandlers.NewHandlers(memStore, log).RegisterHandlers(gateway.Dispatcher)
	providerwshandlers.NewHandlers(providers, log).RegisterHandlers(gateway.Dispatcher)
	broadcaster.NewHandlers(stateSnapshots, log).RegisterHandlers(gateway.Dispatcher)

	log.Info("Initialized session daemon components")

	// 10. HTTP server with Gin.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "sessiond"))

	gateway.SetupRoutes(router)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sessiond"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if err := st.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine.
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session daemon...")

	// 13. Graceful shutdown.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Session daemon stopped")
}

// newEventBus builds the Message Hub. An empty NATS URL selects the
// in-process memory transport; this lets the daemon run standalone without
// external infrastructure while still supporting a distributed deployment.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("Using in-process event bus (no nats.url configured)")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("Connecting to NATS event bus", zap.String("url", cfg.NATS.URL))
	return bus.NewNATSEventBus(cfg.NATS, log)
}

// newStore opens the persistence layer per the configured driver.
func newStore(cfg *config.Config, log *logger.Logger) (*store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		writerDB, err := sessiondb.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres writer: %w", err)
		}
		readerDB, err := sessiondb.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres reader: %w", err)
		}
		pool := sessiondb.NewPool(sqlx.NewDb(writerDB, "pgx"), sqlx.NewDb(readerDB, "pgx"))
		log.Info("Opened postgres store", zap.String("dbName", cfg.Database.DBName))
		return store.New(pool)
	default:
		writerDB, err := sessiondb.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite writer: %w", err)
		}
		readerDB, err := sessiondb.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := sessiondb.NewPool(sqlx.NewDb(writerDB, "sqlite3"), sqlx.NewDb(readerDB, "sqlite3"))
		log.Info("Opened sqlite store", zap.String("path", cfg.Database.Path))
		return store.New(pool)
	}
}
