package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/agent/credentials"
	"github.com/codedeck/codedeck/internal/agent/docker"
	"github.com/codedeck/codedeck/internal/agent/registry"
	"github.com/codedeck/codedeck/internal/common/config"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/gateway/api"
	"github.com/codedeck/codedeck/internal/persistence"
	"github.com/codedeck/codedeck/internal/report"
	"github.com/codedeck/codedeck/internal/session"
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

	log.Info("Starting session host...")

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

	// 4. Docker client for workspace container discovery
	dockerClient, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 5. Agent catalog
	reg := registry.NewRegistry(log)
	reg.LoadDefaults()
	log.Info("Loaded agent registry", zap.Int("agent_types", len(reg.List())))

	// 6. Credential providers: local env first, then the control plane
	credsMgr := credentials.NewManager(log)
	credsMgr.AddProvider(credentials.NewEnvProvider("CODEDECK_"))

	var settingsFetcher session.SettingsFetcher
	if cfg.ControlPlane.Endpoint != "" {
		keyToAgentType := make(map[string]string)
		for _, agentCfg := range reg.List() {
			for _, envVar := range agentCfg.CredentialEnvVars {
				keyToAgentType[envVar] = agentCfg.ID
			}
		}
		cpProvider := credentials.NewControlPlaneProvider(
			cfg.ControlPlane.Endpoint,
			cfg.ControlPlane.WorkspaceID,
			cfg.ControlPlane.Token,
			keyToAgentType,
			log,
		)
		credsMgr.AddProvider(cpProvider)
		settingsFetcher = cpProvider.FetchSettings
		log.Info("Control plane credential provider enabled",
			zap.String("endpoint", cfg.ControlPlane.Endpoint))
	}

	// 7. Durable tab store
	store, err := persistence.NewSQLiteStore(cfg.Persistence.Path)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Opened session store", zap.String("path", cfg.Persistence.Path))

	// Surface resumable work at boot: suspended tabs whose workspace
	// container still exists can pick their conversation back up on the
	// next viewer attach.
	if workspaces, err := dockerClient.ListWorkspaces(ctx); err != nil {
		log.Warn("Failed to list workspace containers", zap.Error(err))
	} else {
		for _, ws := range workspaces {
			if ws.WorkspaceID == "" {
				continue
			}
			tabs, err := store.ListTabs(ctx, ws.WorkspaceID)
			if err != nil {
				log.Warn("Failed to list session tabs",
					zap.String("workspace_id", ws.WorkspaceID), zap.Error(err))
				continue
			}
			resumable := 0
			for _, tab := range tabs {
				if tab.State == persistence.TabStateSuspended && tab.AcpSessionID != "" {
					resumable++
				}
			}
			if resumable > 0 {
				log.Info("Workspace has resumable sessions",
					zap.String("workspace_id", ws.WorkspaceID),
					zap.String("container_state", ws.State),
					zap.Int("resumable", resumable))
			}
		}
	}

	// 8. Transcript reporter, sharing the store's SQLite handle for its
	// outbox. Nil when no control plane is configured.
	reportCfg := report.DefaultConfig()
	reportCfg.Endpoint = cfg.ControlPlane.Endpoint
	reportCfg.WorkspaceID = cfg.ControlPlane.WorkspaceID
	reporter, err := report.New(store.DB(), reportCfg, log)
	if err != nil {
		log.Fatal("Failed to initialize message reporter", zap.Error(err))
	}
	if reporter != nil {
		reporter.SetToken(cfg.ControlPlane.Token)
		log.Info("Message reporting enabled")
	}

	// 9. Session manager
	sessionMgr := session.NewManager(session.ManagerDeps{
		Session:     cfg.Session,
		Registry:    reg,
		Credentials: credsMgr,
		Settings:    settingsFetcher,
		ResolveContainer: func(ctx context.Context, workspaceID string) (string, error) {
			info, err := dockerClient.ResolveWorkspace(ctx, workspaceID)
			if err != nil {
				return "", err
			}
			return info.ID, nil
		},
		Store:    store,
		Reporter: reporter,
		Bus:      eventBus,
		Logger:   log,
	})

	// 10. HTTP server
	handler := api.NewHandler(sessionMgr, reg, cfg.Server, cfg.Session, log)
	router := api.NewRouter(handler, cfg.Server, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down session host...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Suspend live sessions so conversations can resume after restart,
	// then flush any pending transcript messages.
	sessionMgr.Shutdown()
	reporter.Shutdown()

	cancel()
	log.Info("Session host stopped")
}
