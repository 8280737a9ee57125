package ingest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"ecgflow/internal/engine"
	"ecgflow/internal/models"
	"ecgflow/internal/telemetry"
)

// Outcome of ingesting one raw transport message. Every outcome is counted;
// no event is silently lost.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate_discarded"
	OutcomeStale     Outcome = "stale_discarded"
	OutcomeMalformed Outcome = "malformed"
)

//go:embed stage_event.schema.json
var stageEventSchema []byte

// Ingestor validates raw stage-event envelopes and hands them to the engine.
type Ingestor struct {
	engine *engine.Engine
	schema *jsonschema.Schema
}

// New compiles the embedded envelope schema once and returns an ingestor.
func New(eng *engine.Engine) (*Ingestor, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stage_event.schema.json", bytes.NewReader(stageEventSchema)); err != nil {
		return nil, fmt.Errorf("add stage event schema: %w", err)
	}
	schema, err := compiler.Compile("stage_event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile stage event schema: %w", err)
	}
	return &Ingestor{engine: eng, schema: schema}, nil
}

// Ingest parses and applies one raw transport message. A nil error means
// the message may be acknowledged: it was applied, deliberately discarded,
// or malformed beyond repair (retrying cannot fix malformed data). A non-nil
// error means the registry was unavailable and the message must be
// redelivered.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (Outcome, error) {
	ev, err := i.decode(raw)
	if err != nil {
		zap.S().Warnw("malformed stage event dropped", "error", err)
		telemetry.IngestOutcomes.WithLabelValues(string(OutcomeMalformed)).Inc()
		return OutcomeMalformed, nil
	}

	res, err := i.engine.Apply(ctx, ev)
	if err != nil {
		return "", err
	}

	outcome := mapOutcome(res.Outcome)
	telemetry.IngestOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (i *Ingestor) decode(raw []byte) (models.StageEvent, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return models.StageEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := i.schema.Validate(generic); err != nil {
		return models.StageEvent{}, fmt.Errorf("envelope does not match schema: %w", err)
	}
	var ev models.StageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return models.StageEvent{}, fmt.Errorf("decode stage event: %w", err)
	}
	return ev, nil
}

func mapOutcome(o engine.Outcome) Outcome {
	switch o {
	case engine.OutcomeApplied:
		return OutcomeApplied
	case engine.OutcomeDuplicate:
		return OutcomeDuplicate
	default:
		return OutcomeStale
	}
}
