package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hdsflv/internal/config"
	"github.com/jmylchreest/hdsflv/internal/database"
	"github.com/jmylchreest/hdsflv/internal/diagnostics"
	internalhttp "github.com/jmylchreest/hdsflv/internal/http"
	"github.com/jmylchreest/hdsflv/internal/http/handlers"
	"github.com/jmylchreest/hdsflv/internal/observability"
	"github.com/jmylchreest/hdsflv/internal/streamregistry"
	"github.com/jmylchreest/hdsflv/internal/version"
	"github.com/jmylchreest/hdsflv/pkg/hds"
	"github.com/jmylchreest/hdsflv/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hdsflv HTTP control surface",
	Long: `Start the long-running hdsflv service.

The service provides:
- POST/GET/DELETE /api/v1/streams to open, list, and close HDS->FLV streams
- GET /api/v1/streams/{id}/flv to read the synthesized FLV bytes
- GET /api/v1/diagnostics/attempts to inspect recent fragment download attempts
- GET /health, /livez, /readyz, and the circuit breaker introspection API
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// --host/--port override the loaded configuration when given explicitly.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	var diagStore *diagnostics.Store
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		logger.Warn("diagnostics store unavailable, continuing without it", slog.Any("error", err))
	} else {
		diagStore, err = diagnostics.NewStore(db, logger)
		if err != nil {
			logger.Warn("diagnostics migration failed, continuing without it", slog.Any("error", err))
			diagStore = nil
		}
	}

	registry := streamregistry.New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.StartSweep(ctx, cfg.Registry.SweepSchedule, cfg.Registry.IdleTimeout); err != nil {
		logger.Warn("failed to start idle-stream sweep", slog.Any("error", err))
	}

	httpClient := httpclient.New(httpclient.Config{
		Timeout:          cfg.HTTP.Timeout,
		RetryAttempts:    cfg.HTTP.RetryAttempts,
		RetryDelay:       cfg.HTTP.RetryDelay,
		CircuitThreshold: cfg.HTTP.CircuitBreakerThreshold,
		CircuitTimeout:   cfg.HTTP.CircuitBreakerTimeout,
		UserAgent:        cfg.HTTP.UserAgent,
		Logger:           logger,
	})

	opener := func(opCtx context.Context, manifestURL, streamID string) (*hds.StreamFilter, error) {
		return hds.Open(opCtx, manifestURL, hds.Options{
			HTTPClient:          httpClient,
			Logger:              logger,
			MaxFragmentSize:     cfg.HTTP.MaxFragmentSize.Bytes(),
			DownloadLeadtime:    cfg.HDS.DownloadLeadtime,
			LivePollMinInterval: cfg.HDS.LivePollMinInterval,
			NetworkCachingDelay: cfg.HDS.NetworkCachingDelay,
			Recorder:            recorderOf(diagStore),
			StreamID:            streamID,
		})
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())

	healthHandler := handlers.NewHealthHandler(version.Short()).
		WithCircuitBreakerManager(httpclient.DefaultManager).
		WithStreamCounter(registry.Count)
	if db != nil {
		healthHandler = healthHandler.WithDB(db.DB)
	}
	healthHandler.Register(server.API())

	handlers.NewCircuitBreakerHandler(httpclient.DefaultManager).Register(server.API())
	handlers.NewStreamsHandler(registry, opener, diagStore, logger).Register(server.API(), server.Router())
	server.Router().Get("/docs", handlers.NewDocsHandler("hdsflv API", "/openapi.json").ServeHTTP)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hdsflv server", slog.String("address", cfg.Server.Address()))

	return server.ListenAndServe(sigCtx)
}

// recorderOf adapts a possibly-nil *diagnostics.Store to the hds.AttemptRecorder
// interface; a nil store means attempts are simply not recorded.
func recorderOf(store *diagnostics.Store) hds.AttemptRecorder {
	if store == nil {
		return nil
	}
	return store
}
