// Command ttlpurge reclaims expired rows from the durable backends.
// It is the out-of-process companion to the server's optional built-in
// reaper: run it from cron against deployments that keep the serving
// nodes purge-free.
package main

import (
	"context"
	"flag"
	log "log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mozservices/syncstore"
	"github.com/mozservices/syncstore/cassandra"
	"github.com/mozservices/syncstore/lock"
	"github.com/mozservices/syncstore/reaper"
	"github.com/mozservices/syncstore/redis"
)

func main() {
	hosts := flag.String("cassandra", "localhost:9042", "comma-separated Cassandra contact points")
	keyspace := flag.String("keyspace", "sync", "Cassandra keyspace")
	redisURL := flag.String("redis", "redis://localhost:6379/0", "Redis URL (used for collection locking)")
	grace := flag.Int64("grace", reaper.DefaultGracePeriod, "seconds past expiry before a row is reclaimed")
	maxPerLoop := flag.Int("max-per-loop", reaper.DefaultMaxPerLoop, "rows reclaimed per chunk")
	oneshot := flag.Bool("oneshot", false, "run a single pass and exit")
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

	if _, err := cassandra.OpenConnection(cassandra.Config{
		ClusterHosts: strings.Split(*hosts, ","),
		Keyspace:     *keyspace,
	}); err != nil {
		log.Error("cassandra connection failed", "error", err)
		os.Exit(1)
	}
	defer cassandra.CloseConnection()

	locker := lock.NewCacheLocker(redis.NewClient(), 0, 30*time.Second)
	store, err := cassandra.NewStore(locker)
	if err != nil {
		log.Error("store init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reaper.New([]reaper.Backend{{Name: "cassandra", Store: store}}, reaper.Config{
		GracePeriod: *grace,
		MaxPerLoop:  *maxPerLoop,
	})
	if *oneshot {
		r.RunOnce(ctx)
		return
	}
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("reaper stopped", "error", err)
		os.Exit(1)
	}
}
