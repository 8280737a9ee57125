package models

import (
	"time"
)

// Submission lifecycle states persisted in the registry.
const (
	StateRegistered   = "registered"
	StateUploading    = "uploading"
	StateUploaded     = "uploaded"
	StateExtracting   = "extracting"
	StateExtracted    = "extracted"
	StateInterpreting = "interpreting"
	StateInterpreted  = "interpreted"
	StateReporting    = "reporting"
	StateReported     = "reported"
	StateFailed       = "failed"
)

// Pipeline stages executed by external workers.
const (
	StageUpload         = "upload"
	StageExtraction     = "extraction"
	StageInterpretation = "interpretation"
	StageReport         = "report"
)

// StageEvent outcomes reported over the transport.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Failure causes recorded alongside the failing stage.
const (
	CauseStageFailed = "stage_failed"
	CauseTimeout     = "timeout"
	CauseCanceled    = "canceled"
)

// Stages lists pipeline stages in execution order.
var Stages = []string{StageUpload, StageExtraction, StageInterpretation, StageReport}

// FailureReason is populated only when a submission reaches StateFailed.
type FailureReason struct {
	Stage   string `json:"stage"`
	Cause   string `json:"cause"`
	Message string `json:"message,omitempty"`
}

// Submission is one tracked document moving through the pipeline.
// The registry exclusively owns these records; everything else holds ids.
type Submission struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	State            string            `json:"state"`
	StageAttempts    map[string]int    `json:"stage_attempts"`
	Artifacts        map[string]string `json:"artifacts"`
	LastEventSeq     int64             `json:"last_event_seq"`
	LastTransitionAt time.Time         `json:"last_transition_at"`
	FailureReason    *FailureReason    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Terminal reports whether no further transitions are accepted.
func (s *Submission) Terminal() bool {
	return s.State == StateReported || s.State == StateFailed
}

// StageEvent is an inbound stage-completion signal.
type StageEvent struct {
	SubmissionID string    `json:"submission_id"`
	Stage        string    `json:"stage"`
	Outcome      string    `json:"outcome"`
	Sequence     int64     `json:"sequence"`
	PayloadRef   string    `json:"payload_ref,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	Reason       string    `json:"reason,omitempty"`
}

// RetryRequest asks an external worker to re-run a stage for a submission.
// Shape mirrors StageEvent minus the outcome.
type RetryRequest struct {
	SubmissionID string    `json:"submission_id"`
	Stage        string    `json:"stage"`
	Attempt      int       `json:"attempt"`
	PayloadRef   string    `json:"payload_ref,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

// expectedStage maps a non-terminal state to the single stage whose
// completion event it accepts. The -ing states mark a retry in flight for
// the same stage.
var expectedStage = map[string]string{
	StateRegistered:   StageUpload,
	StateUploading:    StageUpload,
	StateUploaded:     StageExtraction,
	StateExtracting:   StageExtraction,
	StateExtracted:    StageInterpretation,
	StateInterpreting: StageInterpretation,
	StateInterpreted:  StageReport,
	StateReporting:    StageReport,
}

// successState maps a stage to the state reached when it succeeds.
var successState = map[string]string{
	StageUpload:         StateUploaded,
	StageExtraction:     StateExtracted,
	StageInterpretation: StateInterpreted,
	StageReport:         StateReported,
}

// progressState maps a stage to the state held while a retry is pending.
var progressState = map[string]string{
	StageUpload:         StateUploading,
	StageExtraction:     StateExtracting,
	StageInterpretation: StateInterpreting,
	StageReport:         StateReporting,
}

// nextStage maps a stage to its successor, if any.
var nextStage = map[string]string{
	StageUpload:         StageExtraction,
	StageExtraction:     StageInterpretation,
	StageInterpretation: StageReport,
}

// prevStage maps a stage to the stage whose artifact is its input.
var prevStage = map[string]string{
	StageExtraction:     StageUpload,
	StageInterpretation: StageExtraction,
	StageReport:         StageInterpretation,
}

// ExpectedStage returns the stage a submission in the given state is waiting
// on. ok is false for terminal or unknown states.
func ExpectedStage(state string) (string, bool) {
	stage, ok := expectedStage[state]
	return stage, ok
}

// SuccessState returns the state reached when the given stage succeeds.
func SuccessState(stage string) (string, bool) {
	st, ok := successState[stage]
	return st, ok
}

// ProgressState returns the in-flight state held while the given stage is
// being retried.
func ProgressState(stage string) (string, bool) {
	st, ok := progressState[stage]
	return st, ok
}

// NextStage returns the stage that follows the given one in the pipeline.
func NextStage(stage string) (string, bool) {
	st, ok := nextStage[stage]
	return st, ok
}

// PrevStage returns the stage whose artifact feeds the given one.
func PrevStage(stage string) (string, bool) {
	st, ok := prevStage[stage]
	return st, ok
}

// ValidStage reports whether the stage name is part of the pipeline.
func ValidStage(stage string) bool {
	_, ok := successState[stage]
	return ok
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	SubmissionID string    `json:"submission_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}
