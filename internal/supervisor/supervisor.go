package supervisor

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"ecgflow/internal/engine"
	"ecgflow/internal/models"
	"ecgflow/internal/registry"
)

// Deadlines returns the stall deadline for a stage.
type Deadlines func(stage string) time.Duration

// Supervisor periodically scans the registry for submissions stuck past
// their stage deadline and drives them through the engine's failure path
// with cause timeout. It holds no state of its own: after a restart the
// durable last-transition timestamps are enough to find every stalled job.
type Supervisor struct {
	reg         registry.Registry
	eng         *engine.Engine
	interval    time.Duration
	deadlines   Deadlines
	minDeadline time.Duration
	batch       int
}

// New builds a supervisor. minDeadline bounds the candidate query: nothing
// younger than the smallest stage deadline can be stalled.
func New(reg registry.Registry, eng *engine.Engine, interval time.Duration, deadlines Deadlines, minDeadline time.Duration, batch int) *Supervisor {
	if batch <= 0 {
		batch = 200
	}
	return &Supervisor{
		reg:         reg,
		eng:         eng,
		interval:    interval,
		deadlines:   deadlines,
		minDeadline: minDeadline,
		batch:       batch,
	}
}

// Run scans on a jittered interval until context cancellation. Jitter keeps
// replicas started together from scanning in lockstep.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Scan(ctx, time.Now().UTC()); err != nil {
			zap.S().Warnw("stall scan", "error", err)
		}
	}
}

// Scan promotes every submission stalled past its stage deadline. Safe to
// run concurrently with ingestion: the engine re-checks state under the
// per-submission lock, so a transition that lands between the query and the
// promotion turns the promotion into a no-op.
func (s *Supervisor) Scan(ctx context.Context, now time.Time) error {
	candidates, err := s.reg.ListActive(ctx, now.Add(-s.minDeadline), s.batch)
	if err != nil {
		return err
	}
	for _, sub := range candidates {
		stage, ok := models.ExpectedStage(sub.State)
		if !ok {
			continue
		}
		if now.Sub(sub.LastTransitionAt) <= s.deadlines(stage) {
			continue
		}
		res, err := s.eng.Timeout(ctx, sub.ID)
		if err != nil {
			zap.S().Warnw("timeout promotion", "submission", sub.ID, "stage", stage, "error", err)
			continue
		}
		if res.Outcome == engine.OutcomeApplied {
			zap.S().Infow("stalled submission promoted", "submission", sub.ID, "stage", stage, "state", res.Submission.State)
		}
	}
	return nil
}
