package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/middleware"
	"github.com/mir00r/cache-balancer/internal/service"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

const defaultTokenTTL = time.Hour

// runHealthCheck probes every configured server once
func runHealthCheck(cfg *config.Config) error {
	log, err := logger.New(cfg.ToLoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	servers := cfg.ToServers()
	targets := make([]domain.HealthTarget, 0, len(servers))
	for _, s := range servers {
		targets = append(targets, s.Target())
	}

	checker := service.NewHealthChecker(cfg.LoadBalancer.HealthCheck, log)
	checker.SetTargets(targets)

	fmt.Printf("Checking health of %d servers...\n", len(targets))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, result := range checker.CheckAll(ctx) {
		status := "healthy"
		if result.Status != domain.ProbePass {
			status = "unhealthy: " + result.Error
			failed++
		}
		fmt.Printf("Server %s: %s (%s)\n", result.ServerID, status, result.ResponseTime.Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed the health check", failed, len(targets))
	}
	return nil
}

// runConfigValidation prints a summary of the loaded configuration
func runConfigValidation(cfg *config.Config) error {
	fmt.Println("Configuration validation passed")
	fmt.Printf("Port: %d\n", cfg.Server.Port)
	fmt.Printf("Algorithm: %s\n", cfg.LoadBalancer.Algorithm)
	fmt.Printf("Session affinity: %s\n", cfg.LoadBalancer.SessionAffinity)
	fmt.Printf("Servers: %d\n", len(cfg.Servers))

	levels := make([]string, 0, len(cfg.Cache.Levels))
	for _, l := range cfg.Cache.Levels {
		levels = append(levels, fmt.Sprintf("%s(%d, %s, %s)", l.Name, l.MaxEntries, l.TTL, l.Strategy))
	}
	fmt.Printf("Cache levels: %s\n", strings.Join(levels, " "))
	fmt.Printf("Cache shards: %d\n", cfg.Cache.ShardCount)
	fmt.Printf("Redis level: %t\n", cfg.Cache.Redis.Enabled)
	fmt.Printf("Health check: %t\n", cfg.LoadBalancer.HealthCheck.Enabled)
	fmt.Printf("Admin rate limit: %t\n", cfg.Admin.RateLimit.Enabled)
	fmt.Printf("Admin JWT: %t\n", cfg.Admin.JWT.Enabled)
	return nil
}

// runStats lists the configured servers
func runStats(cfg *config.Config) error {
	servers := cfg.ToServers()
	fmt.Printf("Total servers: %d\n", len(servers))
	for i, s := range servers {
		fmt.Printf("  Server %d: %s %s (weight %d, max connections %d)\n", i+1, s.ID, s.URL(), s.Weight, s.MaxConnections)
	}
	return nil
}

// runIssueToken prints an admin bearer token: token <subject> [ttl]
func runIssueToken(cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: -admin token <subject> [ttl]")
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid ttl %q", args[1])
		}
		ttl = d
	}

	auth, err := middleware.NewJWTAuthMiddleware(cfg.Admin.JWT.Secret, cfg.Admin.JWT.Issuer, nil)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(args[0], []string{"admin"}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printAdminUsage() {
	fmt.Println("Usage: cache-balancer [-config file] -admin <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  health-check     - Probe every configured server once")
	fmt.Println("  validate-config  - Validate and summarize the configuration")
	fmt.Println("  stats            - List configured servers")
	fmt.Println("  token <subject>  - Issue an admin JWT")
}

// runAdminProcess runs one admin command against the loaded configuration
func runAdminProcess(command, configPath string, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "health-check":
		return runHealthCheck(cfg)
	case "validate-config", "validate":
		return runConfigValidation(cfg)
	case "stats":
		return runStats(cfg)
	case "token":
		return runIssueToken(cfg, args)
	default:
		printAdminUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}
