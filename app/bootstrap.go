package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"relay-svc/app/clients"
	"relay-svc/app/handlers"
	"relay-svc/app/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// App represents the application
type App struct {
	Config            *Config
	Logger            *slog.Logger
	Storage           clients.StorageAdapter
	JWTService        *services.JWTService
	CommandService    *services.CommandService
	DeliveryService   *services.DeliveryService
	AssignmentService *services.AssignmentService
	Reaper            *services.ReaperService
	Router            *gin.Engine
}

// Bootstrap initializes the application from the environment
func Bootstrap() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if strings.ToLower(cfg.LogLevel) != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := services.NewStorageFactory(logger).Create(cfg.StoreDriver, cfg.StoreTarget())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return New(cfg, store, logger), nil
}

// New wires services and routes around an open store
func New(cfg *Config, store clients.StorageAdapter, logger *slog.Logger) *App {
	jwtService := services.NewJWTService(cfg.JWTSecret, cfg.JWTExpirationSec)
	commandService := services.NewCommandService(store, logger.With("component", "commands"))
	deliveryService := services.NewDeliveryService(store, logger.With("component", "delivery"),
		time.Duration(cfg.PendingFallbackPollMs)*time.Millisecond)
	assignmentService := services.NewAssignmentService(store, jwtService, logger.With("component", "assignments"))
	reaper := services.NewReaperService(store, logger.With("component", "reaper"), services.ReaperConfig{
		Interval:   cfg.ReaperInterval(),
		ClaimGrace: cfg.ClaimGrace(),
		Retention:  cfg.Retention(),
	})

	httpLogger := logger.With("component", "http")
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(httpLogger))

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	setupRoutes(router, routeHandlers{
		health:      handlers.NewHealthHandler(store),
		commands:    handlers.NewCommandHandler(commandService, httpLogger),
		relay:       handlers.NewRelayHandler(commandService, deliveryService, httpLogger, time.Duration(cfg.SSEKeepAliveSec)*time.Second),
		assignments: handlers.NewAssignmentHandler(assignmentService, jwtService, httpLogger),
		relayAuth:   handlers.RelayAuth(assignmentService, httpLogger),
	})

	return &App{
		Config:            cfg,
		Logger:            logger,
		Storage:           store,
		JWTService:        jwtService,
		CommandService:    commandService,
		DeliveryService:   deliveryService,
		AssignmentService: assignmentService,
		Reaper:            reaper,
		Router:            router,
	}
}

type routeHandlers struct {
	health      *handlers.HealthHandler
	commands    *handlers.CommandHandler
	relay       *handlers.RelayHandler
	assignments *handlers.AssignmentHandler
	relayAuth   gin.HandlerFunc
}

// setupRoutes configures HTTP routes
func setupRoutes(router *gin.Engine, h routeHandlers) {
	// Health endpoints
	router.GET("/health", h.health.Health)
	router.GET("/ready", h.health.Ready)

	v1 := router.Group("/v1")
	{
		// Caller endpoints
		v1.POST("/commands", h.commands.CreateCommand)
		v1.POST("/commands/exec", h.commands.ExecCommand)
		v1.GET("/commands", h.commands.ListCommands) // Admin API - list commands
		v1.GET("/commands/:command_id", h.commands.GetCommand)
		v1.GET("/commands/:command_id/stream", h.commands.StreamCommand)

		// Admin API - relay assignments
		v1.POST("/assignments", h.assignments.Assign)
		v1.GET("/assignments", h.assignments.List)
		v1.PATCH("/assignments/:relay_id", h.assignments.Update)

		// Relay endpoints
		relay := v1.Group("/relay", h.relayAuth)
		relay.GET("/commands/pending", h.relay.ListPending)
		relay.GET("/commands/subscribe", h.relay.Subscribe)
		relay.POST("/commands/:command_id/claim", h.relay.Claim)
		relay.POST("/commands/:command_id/executing", h.relay.MarkExecuting)
		relay.POST("/commands/:command_id/output", h.relay.RecordOutput)
		relay.POST("/commands/:command_id/complete", h.relay.Complete)
	}
}

// Run serves HTTP and runs the reaper until ctx is done
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              ":" + a.Config.ServerPort,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No write timeout: exec requests and SSE subscriptions are long-lived
		MaxHeaderBytes: 1 << 20,
		// Request contexts end with the group so open subscriptions let go on shutdown
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		a.Logger.Info("HTTP server starting", "port", a.Config.ServerPort, "store", a.Config.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.Reaper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the store
func (a *App) Close() error {
	return a.Storage.Close()
}
