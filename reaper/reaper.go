// Package reaper deletes expired items from the durable backends.
// Expiry only hides items from reads; this loop is what reclaims the
// rows, in bounded chunks so a large backlog never monopolizes a
// backend.
package reaper

import (
	"context"
	log "log/slog"
	"time"

	"github.com/mozservices/syncstore"
)

// Defaults tuned for a steady background trickle.
const (
	// DefaultGracePeriod keeps expired rows around long enough for any
	// in-flight readers that resolved them before expiry.
	DefaultGracePeriod = int64(86400) // seconds

	// DefaultMaxPerLoop bounds one purge chunk.
	DefaultMaxPerLoop = 1000

	// DefaultBackendInterval paces consecutive chunks on one backend.
	DefaultBackendInterval = 6 * time.Minute

	// DefaultPurgeInterval paces full passes over all backends.
	DefaultPurgeInterval = time.Hour
)

// Backend names a purgeable store for logging.
type Backend struct {
	Name  string
	Store syncstore.SyncStore
}

// Config tunes the reaper; zero values select the defaults.
type Config struct {
	GracePeriod     int64
	MaxPerLoop      int
	BackendInterval time.Duration
	PurgeInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxPerLoop <= 0 {
		c.MaxPerLoop = DefaultMaxPerLoop
	}
	if c.BackendInterval <= 0 {
		c.BackendInterval = DefaultBackendInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	return c
}

// Reaper drives the purge loop over a set of backends.
type Reaper struct {
	backends []Backend
	cfg      Config
}

// New creates a reaper over the given backends.
func New(backends []Backend, cfg Config) *Reaper {
	return &Reaper{backends: backends, cfg: cfg.withDefaults()}
}

// Run loops forever, one full pass per purge interval, until the
// context ends.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		r.RunOnce(ctx)
		if err := syncstore.Sleep(ctx, r.cfg.PurgeInterval); err != nil {
			return err
		}
	}
}

// RunOnce makes one full pass over all backends. A failing backend is
// logged and skipped; it never blocks the others.
func (r *Reaper) RunOnce(ctx context.Context) {
	for _, b := range r.backends {
		if err := r.purgeBackend(ctx, b); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("purge pass failed", "backend", b.Name, "error", err)
		}
	}
}

// purgeBackend drains one backend in chunks, pacing between chunks so
// the backend keeps serving traffic.
func (r *Reaper) purgeBackend(ctx context.Context, b Backend) error {
	total := 0
	batches := 0
	for {
		res, err := b.Store.PurgeExpiredItems(ctx, r.cfg.GracePeriod, r.cfg.MaxPerLoop)
		if err != nil && syncstore.ShouldRetry(err) {
			// One retry absorbs transient backend blips; a second
			// failure skips the backend until the next pass.
			if serr := syncstore.Sleep(ctx, time.Second); serr != nil {
				return err
			}
			res, err = b.Store.PurgeExpiredItems(ctx, r.cfg.GracePeriod, r.cfg.MaxPerLoop)
		}
		if err != nil {
			return err
		}
		total += res.NumPurged
		batches += res.BatchesPurged
		if res.IsComplete {
			break
		}
		if err := syncstore.Sleep(ctx, r.cfg.BackendInterval); err != nil {
			return err
		}
	}
	log.Info("purge pass complete", "backend", b.Name, "items", total, "batches", batches)
	return nil
}
