// Command robotagent runs one Robot Agent process: claims jobs from the
// shared job queue, drives them through the execution engine, and
// reports heartbeats.
//
// CLI flags layer over env vars via github.com/spf13/cobra: each flag,
// when set, writes its corresponding env var before configuration load.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/casarerpa/core/internal/agent"
	"github.com/casarerpa/core/internal/config"
	"github.com/casarerpa/core/internal/credential"
	"github.com/casarerpa/core/internal/engine/emit"
	"github.com/casarerpa/core/internal/fleet"
	"github.com/casarerpa/core/internal/queue"
	"github.com/casarerpa/core/internal/telemetry"
	"github.com/casarerpa/core/pkg/nodeplugin"
)

// Process exit codes.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitVaultDown     = 2
	exitDatabaseDown  = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "robotagent",
		Short: "CasareRPA Robot Agent: claims jobs and executes workflows",
	}

	var robotID, postgresURL, capabilities string
	root.PersistentFlags().StringVar(&robotID, "robot-id", "", "robot identifier (overrides ROBOT_ID)")
	root.PersistentFlags().StringVar(&postgresURL, "postgres-url", "", "Postgres connection string (overrides POSTGRES_URL)")
	root.PersistentFlags().StringVar(&capabilities, "capabilities", "", "comma-separated capability list (overrides ROBOT_CAPABILITIES)")

	exitCode := exitOK
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if robotID != "" {
			os.Setenv("ROBOT_ID", robotID)
		}
		if postgresURL != "" {
			os.Setenv("POSTGRES_URL", postgresURL)
		}
		if capabilities != "" {
			os.Setenv("ROBOT_CAPABILITIES", capabilities)
		}

		code, err := runAgent()
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

func runAgent() (int, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return exitConfigError, err
	}

	log := telemetry.NewLogger(slog.LevelInfo).With("robot_id", cfg.RobotID)

	shutdownTracing := telemetry.InitTracerProvider("casarerpa-robotagent")
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := queue.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		log.Error("database unreachable", "error", err)
		return exitDatabaseDown, err
	}

	metrics := telemetry.NewMetrics(nil)
	registry := nodeplugin.NewRegistry(false)
	resolver := credential.NewResolver(credential.NewMemoryBackend())
	buses := emit.NewRegistry()

	robots := fleet.NewMemoryRegistry()
	heartbeater := agent.FleetHeartbeater{Registry: robots}

	runner := &agent.EngineRunner{
		Registry: registry,
		Resolver: resolver,
		Metrics:  metrics,
		Buses:    buses,
		RobotID:  cfg.RobotID,
	}

	a := agent.New(agent.Config{
		RobotID:           cfg.RobotID,
		Name:              cfg.RobotName,
		Capabilities:      cfg.Capabilities,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Environment:       cfg.Environment,
		TenantScope:       cfg.TenantScope,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseTTL:          cfg.LeaseTTL,
	}, store, heartbeater, runner, log)

	log.Info("robot agent starting", "capabilities", cfg.Capabilities)
	a.Run(ctx)

	if ctx.Err() != nil {
		log.Info("robot agent stopped on signal")
		return exitInterrupted, nil
	}
	return exitOK, nil
}
