// Command dbcheck probes the storage backends and publishes their
// serving status into the shared cache. API nodes read the published
// verdicts to advertise backoff or fail fast; one dbcheck per
// deployment is enough, and redundant instances coexist safely.
package main

import (
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/cassandra"
	"github.com/mozservices/syncstore/health"
	"github.com/mozservices/syncstore/lock"
	"github.com/mozservices/syncstore/redis"
)

func main() {
	hosts := flag.String("cassandra", "", "comma-separated Cassandra contact points (empty skips the store probe)")
	keyspace := flag.String("keyspace", "sync", "Cassandra keyspace")
	redisURL := flag.String("redis", "redis://localhost:6379/0", "Redis URL (status store and probe target)")
	prefix := flag.String("prefix", "", "cache key prefix for status entries")
	interval := flag.Duration("interval", health.DefaultInterval, "probe interval")
	oneshot := flag.Bool("oneshot", false, "probe once, print the verdicts and exit")
	flag.Parse()

	syncstore.ConfigureLogging()

	opts, err := redis.OptionsFromURL(*redisURL)
	if err != nil {
		log.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	if _, err := redis.OpenConnection(opts); err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	defer redis.CloseConnection()
	cache := redis.NewClient()

	targets := []health.Target{{Name: "cache", Pinger: cache}}
	if *hosts != "" {
		if _, err := cassandra.OpenConnection(cassandra.Config{
			ClusterHosts: strings.Split(*hosts, ","),
			Keyspace:     *keyspace,
		}); err != nil {
			log.Error("cassandra connection failed", "error", err)
			os.Exit(1)
		}
		defer cassandra.CloseConnection()
		locker := lock.NewCacheLocker(cache, 0, 30*time.Second)
		store, err := cassandra.NewStore(locker)
		if err != nil {
			log.Error("store init failed", "error", err)
			os.Exit(1)
		}
		targets = append(targets, health.Target{Name: "cassandra", Pinger: store})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := health.New(cache, targets, *prefix, *interval)
	if *oneshot {
		monitor.CheckOnce(ctx)
		for _, t := range targets {
			status, err := health.Status(ctx, cache, *prefix, t.Name)
			if err != nil {
				log.Error("status read failed", "backend", t.Name, "error", err)
				continue
			}
			fmt.Printf("%s: %s\n", t.Name, status)
		}
		return
	}
	if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("monitor stopped", "error", err)
		os.Exit(1)
	}
}
