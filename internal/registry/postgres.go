package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ecgflow/internal/models"
)

// Postgres backs the registry with a pgx connection pool. Per-submission
// exclusivity comes from SELECT ... FOR UPDATE inside a transaction, so the
// read-modify-write of a single transition can never lose an update even if
// a second orchestrator instance is briefly alive during a deploy.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

const submissionColumns = `id, owner_id, state, stage_attempts, artifacts, last_event_seq, last_transition_at, failure_stage, failure_cause, failure_message, created_at, updated_at`

// Create inserts a submission in the registered state.
func (p *Postgres) Create(ctx context.Context, ownerID string) (models.Submission, error) {
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
	_, err := p.pool.Exec(ctx, `
		INSERT INTO submissions (id, owner_id, state, stage_attempts, artifacts, last_event_seq, last_transition_at, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', '{}', 0, $4, $4, $4)
	`, sub.ID, sub.OwnerID, sub.State, now)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

// Get fetches a submission by id.
func (p *Postgres) Get(ctx context.Context, id string) (models.Submission, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	return scanSubmission(row)
}

// Mutate loads the submission under a row lock, applies fn, and persists the
// result when fn commits. The transaction bounds the exclusive section.
func (p *Postgres) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1 FOR UPDATE`, id)
	sub, err := scanSubmission(row)
	if err != nil {
		return err
	}

	commit, err := fn(&sub)
	if err != nil {
		return err
	}
	if !commit {
		return tx.Rollback(ctx)
	}

	attemptsJSON, err := json.Marshal(sub.StageAttempts)
	if err != nil {
		return fmt.Errorf("marshal stage attempts: %w", err)
	}
	artifactsJSON, err := json.Marshal(sub.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	var failStage, failCause, failMessage *string
	if sub.FailureReason != nil {
		failStage = &sub.FailureReason.Stage
		failCause = &sub.FailureReason.Cause
		if sub.FailureReason.Message != "" {
			failMessage = &sub.FailureReason.Message
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE submissions
		SET state = $2, stage_attempts = $3, artifacts = $4, last_event_seq = $5,
		    last_transition_at = $6, failure_stage = $7, failure_cause = $8,
		    failure_message = $9, updated_at = NOW()
		WHERE id = $1
	`, sub.ID, sub.State, attemptsJSON, artifactsJSON, sub.LastEventSeq,
		sub.LastTransitionAt, failStage, failCause, failMessage)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListActive returns non-terminal submissions stalled past the cutoff.
func (p *Postgres) ListActive(ctx context.Context, olderThan time.Time, limit int) ([]models.Submission, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE state NOT IN ($1, $2) AND last_transition_at < $3
		ORDER BY last_transition_at ASC
		LIMIT $4
	`, models.StateReported, models.StateFailed, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query active submissions: %w", err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (p *Postgres) AppendAudit(ctx context.Context, submissionID, event, detail string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_logs (submission_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, submissionID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (models.Submission, error) {
	var sub models.Submission
	var attemptsJSON, artifactsJSON []byte
	var failStage, failCause, failMessage pgtype.Text

	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.State, &attemptsJSON, &artifactsJSON,
		&sub.LastEventSeq, &sub.LastTransitionAt, &failStage, &failCause, &failMessage,
		&sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, ErrNotFound
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}

	if err := json.Unmarshal(attemptsJSON, &sub.StageAttempts); err != nil {
		return models.Submission{}, fmt.Errorf("unmarshal stage attempts: %w", err)
	}
	if err := json.Unmarshal(artifactsJSON, &sub.Artifacts); err != nil {
		return models.Submission{}, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	if failStage.Valid {
		sub.FailureReason = &models.FailureReason{
			Stage: failStage.String,
			Cause: failCause.String,
		}
		if failMessage.Valid {
			sub.FailureReason.Message = failMessage.String
		}
	}
	return sub, nil
}
