package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	tmotel "github.com/MS-tegart/treadmill/otel"
	"github.com/MS-tegart/treadmill/pubsub"
	"github.com/MS-tegart/treadmill/sowdb"
	"github.com/MS-tegart/treadmill/topic"
	"github.com/MS-tegart/treadmill/wsapi"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket event-distribution server",
		RunE:  runServe,
	}

	cmd.Flags().String("config", "", "Path to treadmill.yaml")
	cmd.Flags().String("root", "", "State tree root (overrides config)")
	cmd.Flags().String("listen", "", "Listen address (overrides config)")
	cmd.Flags().String("sow-db", "", "Historical store path (overrides config)")
	cmd.Flags().Duration("wait-interval", pubsub.DefaultWaitInterval,
		"Watch loop wait interval")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveServeConfig(cmd)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	waitInterval, _ := cmd.Flags().GetDuration("wait-interval")
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := tmotel.SetupTracing(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return exitError(exitRuntime, "initializing tracing: %v", err)
		}
		defer func() {
			_ = shutdown(context.Background())
		}()
	}

	store, err := sowdb.Open(cfg.SowDB)
	if err != nil {
		return exitError(exitRuntime, "opening historical store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	metrics, err := tmotel.NewMetrics(
		otelapi.GetMeterProvider().Meter("treadmill/pubsub"))
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}

	hub, err := pubsub.NewHub(pubsub.Config{
		Root:         cfg.Root,
		WaitInterval: waitInterval,
		Logger:       logger,
		Observer:     metrics,
	})
	if err != nil {
		return exitError(exitRuntime, "creating hub: %v", err)
	}
	defer func() {
		_ = hub.Close()
	}()

	topics := topic.NewRegistry()
	topics.Register(topic.EndpointsTopic, topic.NewEndpoints(store))
	topics.Register(topic.IdentityGroupsTopic, topic.NewIdentityGroups(store))

	if cfg.Archive.Schedule != "" {
		archiver, err := sowdb.NewArchiver(sowdb.ArchiverConfig{
			Root:      hub.Root(),
			Store:     store,
			OlderThan: cfg.Archive.OlderThan(),
			Logger:    logger,
		})
		if err != nil {
			return exitError(exitRuntime, "creating archiver: %v", err)
		}
		scheduler := cron.New()
		_, err = scheduler.AddFunc(cfg.Archive.Schedule, func() {
			_ = archiver.Run(cfg.Archive.Directories)
		})
		if err != nil {
			return exitError(exitConfig, "invalid archive schedule %q: %v",
				cfg.Archive.Schedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr: cfg.Listen,
		Handler: wsapi.NewHandler(wsapi.HandlerConfig{
			Hub:    hub,
			Topics: topics,
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubErr := hub.RunDetached(ctx)

	srvErr := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Treadmill websocket API listening on %s\n",
			cfg.Listen)
		srvErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-hubErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return exitError(exitRuntime, "watch loop failed: %v", err)
		}
		return nil
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// resolveServeConfig merges the config file with flag overrides. Flags make
// the config file optional: --root alone is a valid minimal setup.
func resolveServeConfig(cmd *cobra.Command) (wsapi.Config, error) {
	explicitPath, _ := cmd.Flags().GetString("config")
	root, _ := cmd.Flags().GetString("root")
	listen, _ := cmd.Flags().GetString("listen")
	sowDB, _ := cmd.Flags().GetString("sow-db")

	var cfg wsapi.Config
	path, found, err := wsapi.DiscoverConfigPath(explicitPath)
	if err != nil {
		return wsapi.Config{}, err
	}
	if found {
		cfg, err = wsapi.LoadConfig(path)
		if err != nil {
			return wsapi.Config{}, err
		}
	}

	if root != "" {
		cfg.Root = root
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if sowDB != "" {
		cfg.SowDB = sowDB
	}

	if cfg.Root == "" {
		return wsapi.Config{}, errors.New("no root configured: pass --root or a config file")
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.SowDB == "" {
		cfg.SowDB = filepath.Join(cfg.Root, "sow.db")
	}
	return cfg, nil
}
