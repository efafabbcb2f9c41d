package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/18kchat/chatrouter/internal/api"
	"github.com/18kchat/chatrouter/internal/assignment"
	"github.com/18kchat/chatrouter/internal/config"
	"github.com/18kchat/chatrouter/internal/presence"
	"github.com/18kchat/chatrouter/internal/relay"
	"github.com/18kchat/chatrouter/internal/router"
	"github.com/18kchat/chatrouter/internal/session"
	redisstore "github.com/18kchat/chatrouter/internal/storage/redis"
	"github.com/18kchat/chatrouter/internal/storage/sqlite"
	"github.com/18kchat/chatrouter/internal/websocket"
	"github.com/18kchat/chatrouter/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting chat router server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Ensure the database directory exists
	dbDir := cfg.Storage.SQLiteBasePath
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", dbDir))
		os.Exit(1)
	}
	dbPath := filepath.Join(dbDir, "chatrouter.db")

	// Create SQLite storage
	chatStorage, err := sqlite.NewChatStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer chatStorage.Close()
	log.Info("Using SQLite storage", logger.String("path", dbPath))

	// Agent credentials share the same database
	agentStorage := sqlite.NewAgentStorage(chatStorage.GetDB(), log)

	// Select the presence backend
	var presenceStore presence.Store
	if cfg.Redis.Enabled {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisPresence := redisstore.NewPresenceStore(rdb, log)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisPresence.Ping(pingCtx); err != nil {
			pingCancel()
			log.Error("Failed to connect to Redis", logger.Error(err), logger.String("addr", cfg.Redis.Addr))
			os.Exit(1)
		}
		pingCancel()

		presenceStore = redisPresence
		log.Info("Using Redis presence store", logger.String("addr", cfg.Redis.Addr))
	} else {
		presenceStore = presence.NewMemoryStore()
		log.Info("Using in-memory presence store")
	}

	// Core components
	sessionManager := session.NewManager(chatStorage, log)
	presenceManager := presence.NewManager(presenceStore, agentStorage, chatStorage, cfg.Routing.AgentCapacity, log)
	engine := assignment.NewEngine(presenceManager, sessionManager, presenceStore, log)
	messageRelay := relay.NewRelay(sessionManager, presenceManager, log)

	// Cross-wiring between the components
	sessionManager.SetReleaser(engine)
	presenceManager.SetAssignments(engine)
	presenceManager.SetSessionEnder(sessionManager)
	presenceManager.SetBroadcaster(messageRelay)

	// Create WebSocket server
	wsServer := websocket.NewServer(
		log,
		cfg.Server.CORSAllowedOrigins,
		time.Duration(cfg.Heartbeat.IntervalSecs)*time.Second,
		cfg.Heartbeat.MissedProbes,
	)

	// Create and set WebSocket message handler
	wsHandler := router.NewHandler(
		presenceManager,
		sessionManager,
		engine,
		messageRelay,
		time.Duration(cfg.Routing.AuthTimeoutSecs)*time.Second,
		cfg.Routing.ResumeEnabled(),
		log,
	)
	wsServer.SetMessageHandler(wsHandler)
	engine.SetNotifier(wsHandler)
	sessionManager.SetNotifier(wsHandler)

	// Start WebSocket server
	go wsServer.Run()

	// Create API router
	apiRouter := api.NewRouter(chatStorage, agentStorage, presenceManager, engine, cfg, log, wsServer)

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := []int{cfg.Server.Port}
	if len(cfg.Server.AdditionalPorts) > 0 {
		allPorts = append(allPorts, cfg.Server.AdditionalPorts...)
	}

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	// Start a server for each configured port
	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      apiRouter.Routes(), // All servers use the same main router
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Shutdown all HTTP servers
	log.Info("Shutting down HTTP servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			log.Info("Attempting to shutdown HTTP server", logger.String("addr", srv.Addr))
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	log.Info("All HTTP servers shutdown.")

	log.Info("Server fully stopped")
}
