package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"ecgflow/internal/models"
)

// Memory is an in-process registry used in tests and single-node
// experiments. It mirrors the Postgres semantics: per-submission exclusive
// sections, copy-on-read, commit-or-discard mutation.
type Memory struct {
	mu    sync.Mutex
	subs  map[string]*models.Submission
	locks map[string]*sync.Mutex
	audit []models.AuditLog
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		subs:  make(map[string]*models.Submission),
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Memory) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Memory) Create(ctx context.Context, ownerID string) (models.Submission, error) {
	now := time.Now().UTC()
	sub := models.Submission{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		State:            models.StateRegistered,
		StageAttempts:    map[string]int{},
		Artifacts:        map[string]string{},
		LastTransitionAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	cp := cloneSubmission(&sub)
	m.subs[sub.ID] = &cp
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) Get(ctx context.Context, id string) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (m *Memory) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	stored, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	working := cloneSubmission(stored)
	m.mu.Unlock()

	commit, err := fn(&working)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}

	working.UpdatedAt = time.Now().UTC()
	m.mu.Lock()
	cp := cloneSubmission(&working)
	m.subs[id] = &cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListActive(ctx context.Context, olderThan time.Time, limit int) ([]models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Submission
	for _, sub := range m.subs {
		if sub.Terminal() {
			continue
		}
		if !sub.LastTransitionAt.Before(olderThan) {
			continue
		}
		out = append(out, cloneSubmission(sub))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, submissionID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{
		SubmissionID: submissionID,
		Event:        event,
		Detail:       detail,
		Recorded:     time.Now().UTC(),
	})
	return nil
}

// AuditTrail returns a copy of recorded audit entries for a submission.
func (m *Memory) AuditTrail(submissionID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, e := range m.audit {
		if e.SubmissionID == submissionID {
			out = append(out, e)
		}
	}
	return out
}

// Put stores a submission verbatim, for test setup.
func (m *Memory) Put(sub models.Submission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneSubmission(&sub)
	m.subs[sub.ID] = &cp
}

func cloneSubmission(s *models.Submission) models.Submission {
	cp := *s
	cp.StageAttempts = make(map[string]int, len(s.StageAttempts))
	for k, v := range s.StageAttempts {
		cp.StageAttempts[k] = v
	}
	cp.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		cp.Artifacts[k] = v
	}
	if s.FailureReason != nil {
		fr := *s.FailureReason
		cp.FailureReason = &fr
	}
	return cp
}

var _ Registry = (*Memory)(nil)
var _ Registry = (*Postgres)(nil)
