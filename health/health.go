// Package health probes the storage backends and publishes their
// serving status into the shared cache, where every API node reads it
// to decide between advertising backoff and failing fast. One monitor
// per deployment is enough; publication uses compare-and-swap so
// redundant monitors do not fight.
package health

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/mozservices/syncstore"
)

// Serving statuses, ordered by severity.
const (
	// StatusOK: the backend answers pings.
	StatusOK = "ok"
	// StatusUnhealthy: recent pings failed; clients should back off.
	StatusUnhealthy = "unhealthy"
	// StatusDown: failures persisted; reject writes instead of queueing.
	StatusDown = "down"
)

const (
	// PingTimeout is the hard ceiling on one probe.
	PingTimeout = 30 * time.Second

	// DefaultInterval paces probe rounds.
	DefaultInterval = 60 * time.Second

	// downAfter is the consecutive-failure count that escalates
	// unhealthy to down.
	downAfter = 3
)

// Pinger is the probe-able subset of a backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Target is one monitored backend.
type Target struct {
	Name   string
	Pinger Pinger
}

// Monitor probes the targets and publishes their statuses.
type Monitor struct {
	cache    syncstore.Cache
	targets  []Target
	interval time.Duration
	prefix   string

	// failures counts consecutive failed probes per target; only the
	// monitor goroutine touches it.
	failures map[string]int

	// published remembers the last status this monitor wrote per
	// target, to distinguish its own verdicts from operator overrides.
	published map[string]string
}

// New creates a monitor. A zero interval selects the default.
func New(cache syncstore.Cache, targets []Target, prefix string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		cache:     cache,
		targets:   targets,
		interval:  interval,
		prefix:    prefix,
		failures:  make(map[string]int, len(targets)),
		published: make(map[string]string, len(targets)),
	}
}

func statusKey(prefix, name string) string {
	return fmt.Sprintf("%sstatus:%s", prefix, name)
}

// Run probes on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.CheckOnce(ctx)
		if err := syncstore.Sleep(ctx, m.interval); err != nil {
			return err
		}
	}
}

// CheckOnce probes every target concurrently and publishes the results.
func (m *Monitor) CheckOnce(ctx context.Context) {
	results := make([]error, len(m.targets))
	runner := syncstore.NewTaskRunner(ctx, 0)
	for i := range m.targets {
		i := i
		runner.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, PingTimeout)
			defer cancel()
			results[i] = m.targets[i].Pinger.Ping(probeCtx)
			return nil
		})
	}
	// Probes never return errors through the group; results carry them.
	_ = runner.Wait()

	for i, t := range m.targets {
		status := StatusOK
		if results[i] != nil {
			m.failures[t.Name]++
			status = StatusUnhealthy
			if m.failures[t.Name] >= downAfter {
				status = StatusDown
			}
			log.Warn("backend probe failed", "backend", t.Name, "consecutive", m.failures[t.Name], "error", results[i])
		} else {
			m.failures[t.Name] = 0
		}
		m.publish(ctx, t.Name, status)
	}
}

// publish swaps the status in with a CAS so concurrent monitors resolve
// to one winner; the entry expires on its own if all monitors stop.
func (m *Monitor) publish(ctx context.Context, name, status string) {
	key := statusKey(m.prefix, name)
	ttl := 3 * m.interval
	var current string
	found, token, err := m.cache.GetWithToken(ctx, key, &current)
	if err != nil {
		log.Warn("status read failed", "backend", name, "error", err)
		return
	}
	if !found {
		if _, err := m.cache.Add(ctx, key, status, ttl); err != nil {
			log.Warn("status publish failed", "backend", name, "error", err)
			return
		}
		m.published[name] = status
		return
	}
	// A down verdict this monitor did not write is an operator
	// override; probes never lift it.
	if current == StatusDown && m.published[name] != StatusDown && status != StatusDown {
		return
	}
	if current == status {
		// Refresh the TTL without racing other monitors.
		if _, _, err := m.cache.GetEx(ctx, key, ttl); err != nil {
			log.Warn("status refresh failed", "backend", name, "error", err)
		}
		m.published[name] = status
		return
	}
	if _, err := m.cache.CompareAndSwap(ctx, key, token, status, ttl); err != nil {
		log.Warn("status publish failed", "backend", name, "error", err)
		return
	}
	m.published[name] = status
}

// Status reads a backend's published status. An absent entry reads as
// ok: no monitor verdict is not an outage.
func Status(ctx context.Context, cache syncstore.Cache, prefix, name string) (string, error) {
	var status string
	found, err := cache.GetStruct(ctx, statusKey(prefix, name), &status)
	if err != nil {
		return "", syncstore.NewBackendError(err)
	}
	if !found {
		return StatusOK, nil
	}
	return status, nil
}

// Worst folds statuses to the most severe one.
func Worst(statuses ...string) string {
	worst := StatusOK
	for _, s := range statuses {
		switch s {
		case StatusDown:
			return StatusDown
		case StatusUnhealthy:
			worst = StatusUnhealthy
		}
	}
	return worst
}
