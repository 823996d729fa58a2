// Package sweeper periodically enforces the time-based backstops: catalog
// entry lifetimes, idle negotiation timeouts and terminal thread retention.
package sweeper

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"

	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/metrics"
)

var log = logging.Logger("sweeper")

// ThreadExpirer is the negotiation surface the sweeper drives.
type ThreadExpirer interface {
	ExpireIdle(ctx context.Context, now time.Time) (int, error)
	Reap(ctx context.Context, retention time.Duration) (int, error)
}

// Sweeper runs the periodic expiration pass. Expiry is lazy between passes;
// readers check lifetimes themselves, the sweeper only persists the terminal
// marks.
type Sweeper struct {
	catalog *catalog.Catalog
	threads ThreadExpirer
	clock   clock.Clock

	interval  time.Duration
	retention time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Sweeper) { s.clock = clk }
}

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithRetention sets how long terminal threads are kept before reaping.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.retention = d }
}

// New builds a sweeper over a catalog and a thread expirer.
func New(cat *catalog.Catalog, threads ThreadExpirer, opts ...Option) *Sweeper {
	s := &Sweeper{
		catalog:   cat,
		threads:   threads,
		clock:     clock.New(),
		interval:  time.Minute,
		retention: 24 * time.Hour,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the sweep loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one expiration pass: overdue catalog entries are marked expired,
// idle threads are timed out and stale terminal threads are reaped.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now()

	expired, err := s.catalog.ExpireOverdue(ctx, now)
	if err != nil {
		log.Warnw("expiring catalog entries", "err", err)
	} else if len(expired) > 0 {
		log.Infow("expired catalog entries", "count", len(expired))
	}

	idle, err := s.threads.ExpireIdle(ctx, now)
	if err != nil {
		log.Warnw("expiring idle threads", "err", err)
	} else if idle > 0 {
		log.Infow("expired idle threads", "count", idle)
	}

	reaped, err := s.threads.Reap(ctx, s.retention)
	if err != nil {
		log.Warnw("reaping terminal threads", "err", err)
	} else if reaped > 0 {
		log.Debugw("reaped terminal threads", "count", reaped)
	}

	stats.Record(ctx, metrics.Sweeps.M(1))
}
