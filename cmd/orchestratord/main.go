// Command orchestratord runs the orchestrator HTTP/WS API and the
// lease reaper: the control plane robots poll and operators submit jobs
// against.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casarerpa/core/internal/apiserver"
	"github.com/casarerpa/core/internal/config"
	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/fleet"
	"github.com/casarerpa/core/internal/queue"
	"github.com/casarerpa/core/internal/telemetry"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitDatabaseDown = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "CasareRPA Orchestrator: job API, fleet registry, lease reaper",
	}

	var listenAddr, postgresURL string
	root.PersistentFlags().StringVar(&listenAddr, "listen-addr", "", "HTTP listen address (overrides LISTEN_ADDR)")
	root.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "Postgres connection string (overrides POSTGRES_URL)")

	exitCode := exitOK
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if listenAddr != "" {
			os.Setenv("LISTEN_ADDR", listenAddr)
		}
		if postgresURL != "" {
			os.Setenv("POSTGRES_URL", postgresURL)
		}
		code, err := runOrchestrator()
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == exitOK {
			exitCode = exitConfigError
		}
	}
	return exitCode
}

func runOrchestrator() (int, error) {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		return exitConfigError, err
	}

	log := telemetry.NewLogger(slog.LevelInfo)

	shutdownTracing := telemetry.InitTracerProvider("casarerpa-orchestratord")
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := queue.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("database unreachable", "error", err)
		return exitDatabaseDown, err
	}
	defer store.Close()

	overrides, err := queue.NewPostgresOverrideStore(ctx, store.Pool())
	if err != nil {
		log.Error("override store setup failed", "error", err)
		return exitDatabaseDown, err
	}
	quotas := queue.NewMemoryQuotaHolder()
	robots := fleet.NewMemoryRegistry()
	var apiKeys fleet.APIKeyStore
	if cfg.RequireAPIKey {
		apiKeys = fleet.NewMemoryAPIKeyStore()
	}
	buses := emit.NewRegistry()
	metrics := telemetry.NewMetrics(nil)

	srvState, handler := apiserver.New(apiserver.Deps{
		Store:     store,
		Overrides: overrides,
		Quotas:    quotas,
		Robots:    robots,
		APIKeys:   apiKeys,
		Buses:     buses,
		Metrics:   metrics,
		Log:       log,
	})
	defer srvState.Close()

	reaper := queue.NewReaper(store, cfg.ReaperPeriod, log)
	go reaper.Run(ctx)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ReaperPeriod)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("orchestrator listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server exited with error", "error", err)
		return exitConfigError, err
	}

	log.Info("orchestrator stopped")
	return exitOK, nil
}
