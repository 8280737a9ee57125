package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ecgflow/internal/models"
	"ecgflow/internal/notify"
	"ecgflow/internal/registry"
	"ecgflow/internal/telemetry"
)

// Outcome classifies what the engine did with an event. Duplicate and stale
// discards are expected under at-least-once delivery, not errors.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate_discarded"
	OutcomeStale     Outcome = "stale_discarded"
)

// Result reports the committed (or deliberately discarded) effect of one
// event. Changed is true only when the submission's state actually moved;
// no-op commits emit no notification.
type Result struct {
	Outcome    Outcome
	Submission models.Submission
	Changed    bool
	Detail     string
}

// RetryPublisher emits "re-run stage X for submission Y" requests back onto
// the event transport for external workers to pick up.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, req models.RetryRequest) error
}

// Notifier receives every committed state transition.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
}

// RetryLimits returns the maximum retry count for a stage.
type RetryLimits func(stage string) int

// Engine applies stage events to submissions. All decisions happen inside
// the registry's per-submission exclusive section, so concurrent events for
// the same submission serialize and the second to enter sees the updated
// sequence counter.
type Engine struct {
	reg      registry.Registry
	retries  RetryPublisher
	notifier Notifier
	limits   RetryLimits
}

// New constructs an engine. retries and notifier may be nil in tests.
func New(reg registry.Registry, retries RetryPublisher, notifier Notifier, limits RetryLimits) *Engine {
	if limits == nil {
		limits = func(string) int { return 3 }
	}
	return &Engine{reg: reg, retries: retries, notifier: notifier, limits: limits}
}

// Apply runs one stage event through the state machine. A nil error means
// the event was durably applied or deliberately discarded and the transport
// may acknowledge it; a non-nil error means the registry was unavailable and
// the event must be redelivered.
func (e *Engine) Apply(ctx context.Context, ev models.StageEvent) (Result, error) {
	var (
		res   Result
		retry *models.RetryRequest
	)
	err := e.reg.Mutate(ctx, ev.SubmissionID, func(s *models.Submission) (bool, error) {
		now := time.Now().UTC()
		if s.Terminal() {
			res = discard(s, OutcomeStale, "terminal state "+s.State)
			return false, nil
		}
		if ev.Sequence <= s.LastEventSeq {
			res = discard(s, OutcomeDuplicate, fmt.Sprintf("sequence %d already applied (last %d)", ev.Sequence, s.LastEventSeq))
			return false, nil
		}
		expected, _ := models.ExpectedStage(s.State)
		if ev.Stage != expected {
			res = discard(s, OutcomeStale, fmt.Sprintf("stage %s arrived while expecting %s", ev.Stage, expected))
			return false, nil
		}

		if ev.Outcome == models.OutcomeSuccess {
			prev := s.State
			next, _ := models.SuccessState(ev.Stage)
			s.State = next
			if ev.PayloadRef != "" {
				s.Artifacts[ev.Stage] = ev.PayloadRef
			}
			if ns, ok := models.NextStage(ev.Stage); ok {
				s.StageAttempts[ns] = 0
			}
			s.LastEventSeq = ev.Sequence
			s.LastTransitionAt = now
			res = Result{
				Outcome:    OutcomeApplied,
				Submission: *s,
				Changed:    s.State != prev,
				Detail:     fmt.Sprintf("stage=%s seq=%d state=%s", ev.Stage, ev.Sequence, s.State),
			}
			return true, nil
		}

		changed, req := e.failLocked(s, ev.Stage, models.CauseStageFailed, ev.Reason, e.limits(ev.Stage), now)
		s.LastEventSeq = ev.Sequence
		retry = req
		res = Result{
			Outcome:    OutcomeApplied,
			Submission: *s,
			Changed:    changed,
			Detail:     fmt.Sprintf("stage=%s seq=%d attempt=%d state=%s", ev.Stage, ev.Sequence, s.StageAttempts[ev.Stage], s.State),
		}
		return true, nil
	})
	if errors.Is(err, registry.ErrNotFound) {
		zap.S().Warnw("event for unknown submission discarded", "submission", ev.SubmissionID, "stage", ev.Stage)
		return Result{Outcome: OutcomeStale, Detail: "unknown submission"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("apply stage event: %w", err)
	}

	e.finish(ctx, res, retry)
	return res, nil
}

// Cancel forces a submission to failed with zero remaining retries, reusing
// the normal failure path. Canceling a terminal submission is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (Result, error) {
	return e.force(ctx, id, models.CauseCanceled, "canceled by request", 0)
}

// Timeout promotes a stalled submission through the failure path with cause
// timeout: retries left means a fresh retry request, exhausted means failed.
// Used by the supervisor; no transport sequence is involved.
func (e *Engine) Timeout(ctx context.Context, id string) (Result, error) {
	res, err := e.force(ctx, id, models.CauseTimeout, "stage deadline exceeded", -1)
	if err == nil && res.Outcome == OutcomeApplied {
		telemetry.Timeouts.Inc()
	}
	return res, err
}

// force runs the failure path for a synthetic (non-transport) action.
// maxRetries < 0 means use the configured limit for the stalled stage.
func (e *Engine) force(ctx context.Context, id, cause, message string, maxRetries int) (Result, error) {
	var (
		res   Result
		retry *models.RetryRequest
	)
	err := e.reg.Mutate(ctx, id, func(s *models.Submission) (bool, error) {
		now := time.Now().UTC()
		if s.Terminal() {
			res = discard(s, OutcomeStale, "terminal state "+s.State)
			return false, nil
		}
		stage, ok := models.ExpectedStage(s.State)
		if !ok {
			return false, fmt.Errorf("no expected stage for state %s", s.State)
		}
		limit := maxRetries
		if limit < 0 {
			limit = e.limits(stage)
		}
		changed, req := e.failLocked(s, stage, cause, message, limit, now)
		retry = req
		res = Result{
			Outcome:    OutcomeApplied,
			Submission: *s,
			Changed:    changed,
			Detail:     fmt.Sprintf("stage=%s cause=%s attempt=%d state=%s", stage, cause, s.StageAttempts[stage], s.State),
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("force %s: %w", cause, err)
	}

	e.finish(ctx, res, retry)
	return res, nil
}

// failLocked increments the stage's attempt counter and either schedules a
// retry (staying in the stage's in-flight state) or promotes the submission
// to failed. Must run inside the per-submission exclusive section.
func (e *Engine) failLocked(s *models.Submission, stage, cause, message string, maxRetries int, now time.Time) (bool, *models.RetryRequest) {
	prev := s.State
	s.StageAttempts[stage]++
	attempt := s.StageAttempts[stage]

	var retry *models.RetryRequest
	if attempt <= maxRetries {
		if ps, ok := models.ProgressState(stage); ok {
			s.State = ps
		}
		var input string
		if p, ok := models.PrevStage(stage); ok {
			input = s.Artifacts[p]
		}
		retry = &models.RetryRequest{
			SubmissionID: s.ID,
			Stage:        stage,
			Attempt:      attempt,
			PayloadRef:   input,
			RequestedAt:  now,
		}
	} else {
		s.State = models.StateFailed
		s.FailureReason = &models.FailureReason{Stage: stage, Cause: cause, Message: message}
	}
	s.LastTransitionAt = now
	return s.State != prev, retry
}

// finish records audit and metrics, publishes any scheduled retry, and
// emits the notification for a real state change. The transition is already
// committed: none of this can fail it.
func (e *Engine) finish(ctx context.Context, res Result, retry *models.RetryRequest) {
	sub := res.Submission
	switch {
	case res.Outcome != OutcomeApplied:
		e.audit(ctx, sub.ID, string(res.Outcome), res.Detail)
	case sub.State == models.StateFailed:
		e.audit(ctx, sub.ID, "failed", res.Detail)
	case retry != nil:
		e.audit(ctx, sub.ID, "retry_scheduled", res.Detail)
	default:
		e.audit(ctx, sub.ID, "applied", res.Detail)
	}

	if res.Outcome != OutcomeApplied {
		return
	}

	if retry != nil && e.retries != nil {
		if err := e.retries.PublishRetry(ctx, *retry); err != nil {
			// The supervisor re-drives the stage once the stall deadline
			// passes, so a lost retry request delays but never strands.
			zap.S().Errorw("publish retry request", "submission", retry.SubmissionID, "stage", retry.Stage, "error", err)
		} else {
			telemetry.RetriesPublished.Inc()
		}
	}

	if res.Changed {
		telemetry.Transitions.WithLabelValues(sub.State).Inc()
		if e.notifier != nil {
			e.notifier.Notify(ctx, notify.Notification{
				SubmissionID:  sub.ID,
				OwnerID:       sub.OwnerID,
				State:         sub.State,
				Artifacts:     sub.Artifacts,
				FailureReason: sub.FailureReason,
				At:            sub.LastTransitionAt,
			})
		}
	}
}

func (e *Engine) audit(ctx context.Context, id, event, detail string) {
	if err := e.reg.AppendAudit(ctx, id, event, detail); err != nil {
		zap.S().Warnw("append audit", "submission", id, "event", event, "error", err)
	}
}

func discard(s *models.Submission, outcome Outcome, detail string) Result {
	return Result{Outcome: outcome, Submission: *s, Detail: detail}
}
