package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mir00r/cache-balancer/internal/cache"
	"github.com/mir00r/cache-balancer/internal/config"
	"github.com/mir00r/cache-balancer/internal/discovery"
	"github.com/mir00r/cache-balancer/internal/handler"
	"github.com/mir00r/cache-balancer/internal/observability"
	"github.com/mir00r/cache-balancer/internal/platform"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	adminCommand := flag.String("admin", "", "run a one-off admin command and exit")
	flag.Parse()

	if *adminCommand != "" {
		if err := runAdminProcess(*adminCommand, *configPath, flag.Args()); err != nil {
			fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.ToLoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []platform.Option[json.RawMessage]{
		platform.WithLogger[json.RawMessage](log),
		platform.WithAutoManageStatus[json.RawMessage](cfg.LoadBalancer.AutoManageStatus),
	}

	if cfg.Cache.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Cache.Redis.RedisConfig)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, platform.WithLevelBackend[json.RawMessage](cfg.Cache.Redis.Level, redisLevel(client, cfg.Cache.Redis.KeyPrefix)))
		log.WithField("addr", cfg.Cache.Redis.Addr).
			WithField("level", cfg.Cache.Redis.Level).
			Info("Redis cache level enabled")
	}

	p, err := platform.New[json.RawMessage](cfg.ToPlatformConfig(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create platform: %w", err)
	}
	defer p.Close()

	servers := cfg.ToServers()
	for _, s := range servers {
		if err := p.AddServer(s); err != nil {
			return fmt.Errorf("failed to register server %s: %w", s.ID, err)
		}
	}

	var collector *observability.Collector
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = observability.NewCollector(cfg.Metrics.Namespace, registry, log)
		p.Subscribe(collector)
	}

	var reloader *config.Reloader
	if path := config.ResolvePath(configPath); path != "" {
		reloader = config.NewReloader(path, cfg, p, log)
		if err := reloader.Start(ctx); err != nil {
			log.WithError(err).Warn("Configuration watcher disabled")
			reloader = nil
		} else {
			defer reloader.Stop()
		}
	}

	var sd *discovery.ServiceDiscovery
	if cfg.Discovery.Enabled {
		provider, err := discovery.NewProvider(cfg.Discovery, nil)
		if err != nil {
			return err
		}
		sd = discovery.New(cfg.Discovery, provider, p, log)
		if err := sd.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service discovery: %w", err)
		}
		defer sd.Stop()
	}

	router, err := handler.NewRouter(handler.Dependencies{
		Config:    cfg,
		Platform:  p,
		Collector: collector,
		Reloader:  reloader,
		Discovery: sd,
		Logger:    log,
		Version:   version,
	})
	if err != nil {
		return err
	}

	var h http.Handler = router
	if cfg.Server.HTTP2Enabled {
		h = h2c.NewHandler(router, &http2.Server{})
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start platform: %w", err)
	}

	log.WithFields(map[string]interface{}{
		"version":   version,
		"port":      cfg.Server.Port,
		"algorithm": string(cfg.LoadBalancer.Algorithm),
		"affinity":  string(cfg.LoadBalancer.SessionAffinity),
		"servers":   len(servers),
		"levels":    len(cfg.Cache.Levels),
		"shards":    cfg.Cache.ShardCount,
		"http2":     cfg.Server.HTTP2Enabled,
		"pid":       os.Getpid(),
		"hostname":  hostname(),
	}).Info("Starting cache balancer")

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}
	p.Stop()

	log.Info("Cache balancer stopped gracefully")
	return nil
}

// redisLevel gives every shard its own key namespace on the shared client
func redisLevel(client *redis.Client, prefix string) platform.BackendFactory[json.RawMessage] {
	return func(shard int) cache.Backend[json.RawMessage] {
		return cache.NewRedisBackend[json.RawMessage](client, fmt.Sprintf("%s%d:", prefix, shard))
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
