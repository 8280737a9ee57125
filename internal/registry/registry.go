package registry

import (
	"context"
	"errors"
	"time"

	"ecgflow/internal/models"
)

// ErrNotFound is returned when a submission id has no record.
var ErrNotFound = errors.New("submission not found")

// MutateFunc inspects and optionally modifies a submission. Returning
// commit=true persists the modified record before the exclusive section is
// released; commit=false discards any in-memory changes.
type MutateFunc func(s *models.Submission) (commit bool, err error)

// Registry is the durable keyed store of submission records, the single
// source of truth for where each submission is. All mutation goes through
// Mutate, which serializes per submission id while staying fully parallel
// across ids.
type Registry interface {
	// Create inserts a new submission in the registered state.
	Create(ctx context.Context, ownerID string) (models.Submission, error)

	// Get returns a read-only copy of a submission.
	Get(ctx context.Context, id string) (models.Submission, error)

	// Mutate runs fn under the submission's exclusive per-id section.
	Mutate(ctx context.Context, id string, fn MutateFunc) error

	// ListActive returns non-terminal submissions whose last transition is
	// older than the cutoff, up to limit records.
	ListActive(ctx context.Context, olderThan time.Time, limit int) ([]models.Submission, error)

	// AppendAudit records an ingest or transition outcome for audit. No
	// event outcome is ever silently lost.
	AppendAudit(ctx context.Context, submissionID, event, detail string) error
}
