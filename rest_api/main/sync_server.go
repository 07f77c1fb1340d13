// Command sync_server runs the storage service: protocol adapter in
// front of a durable backend, with the optional Redis cache tier,
// background TTL purging and backend health monitoring.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/cachestore"
	"github.com/mozservices/syncstore/cassandra"
	"github.com/mozservices/syncstore/health"
	"github.com/mozservices/syncstore/lock"
	"github.com/mozservices/syncstore/memory"
	"github.com/mozservices/syncstore/quota"
	"github.com/mozservices/syncstore/reaper"
	"github.com/mozservices/syncstore/redis"
	"github.com/mozservices/syncstore/rest_api"
)

type serverConfig struct {
	// Listen is the host:port the HTTP tier binds.
	Listen string `json:"listen"`
	// Backend selects the durable store: "memory" or "cassandra".
	Backend string `json:"backend"`

	Cassandra cassandra.Config           `json:"cassandra"`
	Redis     syncstore.RedisCacheConfig `json:"redis"`
	Storage   syncstore.StorageConfig    `json:"storage"`

	// RunReaper enables the in-process TTL purge loop.
	RunReaper bool `json:"run_reaper"`
	// RunHealthMonitor enables the in-process backend prober.
	RunHealthMonitor bool `json:"run_health_monitor"`
}

func loadConfig(path string) (*serverConfig, error) {
	cfg := &serverConfig{
		Listen:  ":8000",
		Backend: "memory",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if v := os.Getenv("SYNC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SYNC_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	syncstore.ConfigureLogging()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("configuration failed", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache tier is optional; without it the service runs store-direct.
	var cache syncstore.Cache
	if cfg.Redis.URL != "" || cfg.Redis.Address != "" {
		opts := redis.Options{Address: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		if cfg.Redis.URL != "" {
			opts, err = redis.OptionsFromURL(cfg.Redis.URL)
			if err != nil {
				log.Error("invalid redis url", "error", err)
				os.Exit(1)
			}
		}
		if _, err := redis.OpenConnection(opts); err != nil {
			log.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redis.CloseConnection()
		cache = redis.NewClient()
	}

	var base syncstore.SyncStore
	switch cfg.Backend {
	case "", "memory":
		base = memory.NewStore()
	case "cassandra":
		if cache == nil {
			log.Error("cassandra backend requires a redis cache for locking")
			os.Exit(1)
		}
		if _, err := cassandra.OpenConnection(cfg.Cassandra); err != nil {
			log.Error("cassandra connection failed", "error", err)
			os.Exit(1)
		}
		defer cassandra.CloseConnection()
		locker := lock.NewCacheLocker(cache, cfg.Storage.CacheLockTTLOrDefault(), 0)
		base, err = cassandra.NewStore(locker)
		if err != nil {
			log.Error("cassandra store init failed", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unknown backend", "backend", cfg.Backend)
		os.Exit(1)
	}

	store := base
	if cache != nil {
		store = cachestore.NewStore(base, cache, cfg.Storage)
	}

	var healthTargets []string
	if cache != nil && cfg.RunHealthMonitor {
		targets := []health.Target{{Name: cfg.Backend, Pinger: base}, {Name: "cache", Pinger: cache}}
		for _, t := range targets {
			healthTargets = append(healthTargets, t.Name)
		}
		monitor := health.New(cache, targets, cfg.Storage.CacheKeyPrefix, 0)
		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("health monitor stopped", "error", err)
			}
		}()
	}

	if cfg.RunReaper {
		r := reaper.New([]reaper.Backend{{Name: cfg.Backend, Store: base}}, reaper.Config{})
		go func() {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("reaper stopped", "error", err)
			}
		}()
	}

	srv := rest_api.NewServer(store, quota.New(store, cfg.Storage.QuotaSize), cache, cfg.Storage, rest_api.Config{
		HealthTargets:   healthTargets,
		HealthKeyPrefix: cfg.Storage.CacheKeyPrefix,
	})
	log.Info("serving", "listen", cfg.Listen, "backend", cfg.Backend, "cached", cache != nil)
	if err := srv.Run(cfg.Listen); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
