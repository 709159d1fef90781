package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kineticman/prismcast/internal/capture"
	"github.com/kineticman/prismcast/internal/config"
	"github.com/kineticman/prismcast/internal/database"
	internalhttp "github.com/kineticman/prismcast/internal/http"
	"github.com/kineticman/prismcast/internal/http/handlers"
	"github.com/kineticman/prismcast/internal/lineup"
	"github.com/kineticman/prismcast/internal/observability"
	"github.com/kineticman/prismcast/internal/repository"
	"github.com/kineticman/prismcast/internal/stream"
	"github.com/kineticman/prismcast/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the prismcast tuner server",
	Long: `Start the prismcast HTTP server.

The server provides:
- HLS playlists, media segments, and init segments per channel
- HDHomeRun discovery emulation (discover.json, lineup.json)
- Operational status at /status`,
	RunE: runServe,
}

var (
	serveHost   string
	servePort   int
	serveDBPath string
	serveLineup string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDBPath, "database", "", "database DSN (overrides config)")
	serveCmd.Flags().StringVar(&serveLineup, "lineup", "", "YAML lineup file to import at startup (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	logger.Info("starting prismcast",
		slog.String("version", version.Short()),
		slog.String("addr", cfg.Server.Address()),
	)

	// Database and channel lineup.
	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	channelRepo := repository.NewChannelRepository(db.DB)

	if cfg.Lineup.File != "" {
		if _, err := lineup.Import(cmd.Context(), cfg.Lineup.File, channelRepo,
			observability.WithComponent(logger, "lineup")); err != nil {
			return fmt.Errorf("importing lineup: %w", err)
		}
	}

	// Stream supervision over command-based capture sources.
	captureLogger := observability.WithComponent(logger, "capture")
	factory := func(channel stream.ChannelSpec) (stream.Source, error) {
		return capture.NewCommandSource(
			cfg.Capture.Command,
			cfg.Capture.Args,
			channel.CaptureURL,
			observability.WithChannel(captureLogger, channel.ID),
		)
	}

	supervisor := stream.NewSupervisor(stream.SupervisorConfig{
		TargetSegmentDuration: cfg.HLS.TargetDuration(),
		MaxSegments:           cfg.HLS.MaxSegments,
		KeyframeDiagnostics:   cfg.HLS.KeyframeDiagnostics,
		MaxStreams:            cfg.Tuner.TunerCount,
		IdleTimeout:           cfg.Capture.IdleTimeout,
		StartTimeout:          cfg.Capture.StartTimeout,
		RestartDelay:          cfg.Capture.RestartDelay,
		Logger:                observability.WithComponent(logger, "supervisor"),
	}, factory)
	defer supervisor.Shutdown()

	// HTTP server.
	server := internalhttp.NewServer(cfg.Server, handlers.Dependencies{
		Channels:   channelRepo,
		Supervisor: supervisor,
		Tuner:      cfg.Tuner,
		BaseURL:    cfg.Server.BaseURL,
		Version:    version.Short(),
		StartedAt:  time.Now(),
		Logger:     observability.WithComponent(logger, "http"),
	}, observability.WithComponent(logger, "http"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for shutdown signal or server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	return nil
}

// applyServeFlags lets explicit CLI flags override the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DSN = serveDBPath
	}
	if cmd.Flags().Changed("lineup") {
		cfg.Lineup.File = serveLineup
	}
}
