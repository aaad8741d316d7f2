// Package config loads boot-time configuration for the robot agent and
// orchestrator processes from environment variables, with cobra flags
// in cmd/ layered on top by setting the corresponding env var before
// calling Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent is cmd/robotagent's resolved configuration, read from
// POSTGRES_URL, ROBOT_ID, ROBOT_CAPABILITIES, HEARTBEAT_INTERVAL,
// LEASE_TTL, MAX_CONCURRENT_JOBS, VAULT_ADDR, and API_SECRET.
type Agent struct {
	PostgresURL       string
	RobotID           string
	RobotName         string
	Capabilities      map[string]bool
	Environment       string
	TenantScope       string
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	MaxConcurrentJobs int
	VaultAddr         string
	APISecret         string
}

// LoadAgent reads Agent configuration from the process environment,
// applying default heartbeat (30s) and lease (60s) intervals.
func LoadAgent() (Agent, error) {
	cfg := Agent{
		PostgresURL:       os.Getenv("POSTGRES_URL"),
		RobotID:           os.Getenv("ROBOT_ID"),
		RobotName:         getenvDefault("ROBOT_NAME", os.Getenv("ROBOT_ID")),
		Capabilities:      parseCapabilities(os.Getenv("ROBOT_CAPABILITIES")),
		Environment:       os.Getenv("ROBOT_ENVIRONMENT"),
		TenantScope:       os.Getenv("ROBOT_TENANT_SCOPE"),
		VaultAddr:         os.Getenv("VAULT_ADDR"),
		APISecret:         os.Getenv("API_SECRET"),
		MaxConcurrentJobs: 1,
	}

	if cfg.PostgresURL == "" {
		return cfg, fmt.Errorf("POSTGRES_URL is required")
	}
	if cfg.RobotID == "" {
		return cfg, fmt.Errorf("ROBOT_ID is required")
	}

	var err error
	cfg.HeartbeatInterval, err = durationEnv("HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return cfg, err
	}
	cfg.LeaseTTL, err = durationEnv("LEASE_TTL", 60*time.Second)
	if err != nil {
		return cfg, err
	}
	if raw := os.Getenv("MAX_CONCURRENT_JOBS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("MAX_CONCURRENT_JOBS: %w", err)
		}
		cfg.MaxConcurrentJobs = n
	}

	return cfg, nil
}

// Orchestrator is cmd/orchestratord's resolved configuration.
type Orchestrator struct {
	PostgresURL   string
	ListenAddr    string
	ReaperPeriod  time.Duration
	RequireAPIKey bool
}

// LoadOrchestrator reads Orchestrator configuration from the process
// environment.
func LoadOrchestrator() (Orchestrator, error) {
	cfg := Orchestrator{
		PostgresURL:  os.Getenv("POSTGRES_URL"),
		ListenAddr:   getenvDefault("LISTEN_ADDR", ":8080"),
		RequireAPIKey: os.Getenv("REQUIRE_API_KEY") == "true",
	}
	if cfg.PostgresURL == "" {
		return cfg, fmt.Errorf("POSTGRES_URL is required")
	}

	var err error
	cfg.ReaperPeriod, err = durationEnv("LEASE_REAPER_INTERVAL", 15*time.Second)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseCapabilities(raw string) map[string]bool {
	caps := map[string]bool{}
	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			caps[c] = true
		}
	}
	return caps
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
