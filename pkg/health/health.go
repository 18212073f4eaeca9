// Package health probes the database, the projection pipeline, and the
// background scheduler, and folds the results into an OK / DEGRADED /
// DOWN verdict. Probes run under a statement timeout so a stuck database
// degrades the report instead of hanging it.
package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewplane/core/pkg/contracts"
	"github.com/crewplane/core/pkg/eventstore"
	"github.com/crewplane/core/pkg/projector"
	"github.com/crewplane/core/pkg/store"
)

// Verdicts.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Check is one probe result.
type Check struct {
	Status    string  `json:"status"`
	LatencyMS int64   `json:"latency_ms,omitempty"`
	LagSec    float64 `json:"lag_seconds,omitempty"`
	Backlog   int     `json:"backlog,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// Report is the full health snapshot for one workspace.
type Report struct {
	Status      string           `json:"status"`
	Checks      map[string]Check `json:"checks"`
	GeneratedAt time.Time        `json:"generated_at"`
	Cached      bool             `json:"cached,omitempty"`
}

// Select narrows the report to the named checks and recomputes the
// verdict from the kept subset. Unknown names are ignored.
func (r *Report) Select(names ...string) *Report {
	out := &Report{Status: StatusOK, Checks: make(map[string]Check, len(names)), GeneratedAt: r.GeneratedAt, Cached: r.Cached}
	for _, name := range names {
		c, ok := r.Checks[name]
		if !ok {
			continue
		}
		out.Checks[name] = c
		switch c.Status {
		case StatusDown:
			out.Status = StatusDown
		case StatusDegraded:
			if out.Status == StatusOK {
				out.Status = StatusDegraded
			}
		}
	}
	return out
}

// Beat records liveness of the background catch-up loop. The scheduler
// marks it after every tick; the health service reads the age.
type Beat struct {
	mu sync.Mutex
	at time.Time
}

// Mark records a scheduler tick.
func (b *Beat) Mark(t time.Time) {
	b.mu.Lock()
	b.at = t
	b.mu.Unlock()
}

// Last returns the most recent tick, zero if none yet.
func (b *Beat) Last() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.at
}

// Options carries the probe budgets and verdict thresholds.
type Options struct {
	StatementTimeout time.Duration
	DownCronAge      time.Duration
	DownLag          time.Duration
}

// Service runs the probes.
type Service struct {
	store  *store.Store
	events *eventstore.EventStore
	cache  Cache
	beat   *Beat
	logger *slog.Logger
	clock  func() time.Time
	opts   Options
}

// NewService wires the health service.
func NewService(s *store.Store, es *eventstore.EventStore, cache Cache, beat *Beat, logger *slog.Logger, opts Options) *Service {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = 2 * time.Second
	}
	if opts.DownCronAge <= 0 {
		opts.DownCronAge = 5 * time.Minute
	}
	if opts.DownLag <= 0 {
		opts.DownLag = 2 * time.Minute
	}
	return &Service{store: s, events: es, cache: cache, beat: beat, logger: logger, clock: time.Now, opts: opts}
}

// WithClock overrides the clock for deterministic testing.
func (svc *Service) WithClock(clock func() time.Time) *Service {
	svc.clock = clock
	return svc
}

// Check returns the cached report when fresh, otherwise probes and
// caches the result.
func (svc *Service) Check(ctx context.Context, workspaceID string) *Report {
	if svc.cache != nil {
		if cached, ok := svc.cache.Get(ctx, workspaceID); ok {
			out := *cached
			out.Cached = true
			return &out
		}
	}
	report := svc.probe(ctx, workspaceID)
	if svc.cache != nil {
		svc.cache.Set(ctx, workspaceID, report)
	}
	return report
}

func (svc *Service) probe(ctx context.Context, workspaceID string) *Report {
	now := svc.clock().UTC()
	report := &Report{Status: StatusOK, Checks: make(map[string]Check), GeneratedAt: now}

	// The whole probe shares one deadline so a wedged database cannot
	// hold the endpoint open.
	ctx, cancel := context.WithTimeout(ctx, 2*svc.opts.StatementTimeout)
	defer cancel()

	report.Checks["database"] = svc.probeDatabase(ctx)
	report.Checks["projection"] = svc.probeProjection(ctx, workspaceID, now)
	report.Checks["dlq"] = svc.probeDLQ(ctx, workspaceID)
	report.Checks["scheduler"] = svc.probeScheduler(now)

	for _, c := range report.Checks {
		switch c.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusOK {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (svc *Service) probeDatabase(ctx context.Context) Check {
	start := svc.clock()
	err := svc.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.SetStatementTimeout(ctx, svc.opts.StatementTimeout); err != nil {
			return err
		}
		var one int
		return tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	})
	latency := svc.clock().Sub(start).Milliseconds()
	if err != nil {
		svc.logger.Error("health: database probe failed", "error", err)
		return Check{Status: StatusDown, LatencyMS: latency, Detail: err.Error()}
	}
	return Check{Status: StatusOK, LatencyMS: latency}
}

// probeProjection measures how far the slowest projector trails the
// newest event.
func (svc *Service) probeProjection(ctx context.Context, workspaceID string, now time.Time) Check {
	_, latestAt, err := svc.events.LatestEventID(ctx, svc.store.DB(), workspaceID)
	if errors.Is(err, contracts.ErrNotFound) {
		return Check{Status: StatusOK}
	}
	if err != nil {
		return Check{Status: StatusDown, Detail: err.Error()}
	}

	var oldestMark sql.NullTime
	if err := svc.store.DB().QueryRowContext(ctx, `
		SELECT MIN(last_applied_at) FROM projector_watermarks WHERE workspace_id = $1`,
		workspaceID,
	).Scan(&oldestMark); err != nil {
		return Check{Status: StatusDown, Detail: fmt.Sprintf("watermark read: %v", err)}
	}
	if !oldestMark.Valid {
		// Events exist but nothing has projected yet.
		lag := now.Sub(latestAt)
		return svc.lagCheck(lag)
	}
	lag := latestAt.Sub(oldestMark.Time)
	if lag < 0 {
		lag = 0
	}
	return svc.lagCheck(lag)
}

func (svc *Service) lagCheck(lag time.Duration) Check {
	c := Check{Status: StatusOK, LagSec: lag.Seconds()}
	switch {
	case lag > svc.opts.DownLag:
		c.Status = StatusDown
	case lag > svc.opts.DownLag/2:
		c.Status = StatusDegraded
	}
	return c
}

func (svc *Service) probeDLQ(ctx context.Context, workspaceID string) Check {
	backlog, err := projector.DLQBacklog(ctx, svc.store.DB(), workspaceID)
	if err != nil {
		return Check{Status: StatusDown, Detail: err.Error()}
	}
	c := Check{Status: StatusOK, Backlog: backlog}
	if backlog > 0 {
		c.Status = StatusDegraded
	}
	return c
}

func (svc *Service) probeScheduler(now time.Time) Check {
	if svc.beat == nil {
		return Check{Status: StatusOK, Detail: "no scheduler"}
	}
	last := svc.beat.Last()
	if last.IsZero() {
		// Startup grace: the first tick has not happened yet.
		return Check{Status: StatusDegraded, Detail: "no tick recorded"}
	}
	age := now.Sub(last)
	c := Check{Status: StatusOK, LagSec: age.Seconds()}
	switch {
	case age > svc.opts.DownCronAge:
		c.Status = StatusDown
	case age > svc.opts.DownCronAge/2:
		c.Status = StatusDegraded
	}
	return c
}
