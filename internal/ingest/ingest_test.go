package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecgflow/internal/engine"
	"ecgflow/internal/models"
	"ecgflow/internal/registry"
)

func newTestIngestor(t *testing.T) (*Ingestor, *registry.Memory) {
	t.Helper()
	reg := registry.NewMemory()
	eng := engine.New(reg, nil, nil, nil)
	ing, err := New(eng)
	require.NoError(t, err)
	return ing, reg
}

func rawEvent(t *testing.T, ev models.StageEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func TestIngestAppliesValidEvent(t *testing.T) {
	ctx := context.Background()
	ing, reg := newTestIngestor(t)

	sub, err := reg.Create(ctx, "u1")
	require.NoError(t, err)

	raw := rawEvent(t, models.StageEvent{
		SubmissionID: sub.ID,
		Stage:        models.StageUpload,
		Outcome:      models.OutcomeSuccess,
		Sequence:     1,
		PayloadRef:   "raw#1",
		OccurredAt:   time.Now().UTC(),
	})
	outcome, err := ing.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateUploaded, got.State)

	// Redelivery of the same envelope is a duplicate, not an error.
	outcome, err = ing.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestIngestDropsMalformedEnvelopes(t *testing.T) {
	ctx := context.Background()
	ing, _ := newTestIngestor(t)

	cases := map[string][]byte{
		"not json":         []byte("{{{"),
		"missing fields":   []byte(`{"submission_id":"s1"}`),
		"unknown stage":    []byte(`{"submission_id":"s1","stage":"transcode","outcome":"success","sequence":1,"occurred_at":"2026-01-02T15:04:05Z"}`),
		"bad outcome":      []byte(`{"submission_id":"s1","stage":"upload","outcome":"maybe","sequence":1,"occurred_at":"2026-01-02T15:04:05Z"}`),
		"zero sequence":    []byte(`{"submission_id":"s1","stage":"upload","outcome":"success","sequence":0,"occurred_at":"2026-01-02T15:04:05Z"}`),
		"extra fields":     []byte(`{"submission_id":"s1","stage":"upload","outcome":"success","sequence":1,"occurred_at":"2026-01-02T15:04:05Z","bogus":true}`),
		"string sequence":  []byte(`{"submission_id":"s1","stage":"upload","outcome":"success","sequence":"1","occurred_at":"2026-01-02T15:04:05Z"}`),
		"empty submission": []byte(`{"submission_id":"","stage":"upload","outcome":"success","sequence":1,"occurred_at":"2026-01-02T15:04:05Z"}`),
	}
	for name, raw := range cases {
		outcome, err := ing.Ingest(ctx, raw)
		require.NoError(t, err, name)
		assert.Equal(t, OutcomeMalformed, outcome, name)
	}
}

func TestIngestUnknownSubmissionIsStale(t *testing.T) {
	ctx := context.Background()
	ing, _ := newTestIngestor(t)

	raw := rawEvent(t, models.StageEvent{
		SubmissionID: "nobody-registered-this",
		Stage:        models.StageUpload,
		Outcome:      models.OutcomeSuccess,
		Sequence:     1,
		OccurredAt:   time.Now().UTC(),
	})
	outcome, err := ing.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
}
