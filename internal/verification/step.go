// Package verification implements the multi-factor attendance
// verification pipeline: an ordered state machine of proof-of-presence
// steps, each owning its retry loop and device resources.
package verification

import "context"

// StepKind tags the step variants the orchestrator sequences.
type StepKind string

const (
	StepGeo      StepKind = "gps"
	StepPresence StepKind = "presence"
	StepFace     StepKind = "face"
	StepQR       StepKind = "qr_code"
)

// StepStatus is the lifecycle of one step inside a session.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusActive  StepStatus = "active"
	StatusSuccess StepStatus = "success"
	StatusFailed  StepStatus = "failed"
)

// Evidence is what a successful step contributes to the final
// attendance submission.
type Evidence struct {
	FrameRef   string  `json:"frame_ref,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Outcome is the result of one step attempt.
type Outcome struct {
	Status  StepStatus
	Message string
	// Blocked marks a dependency-not-ready failure: the step cannot
	// meaningfully be retried until the user resolves the stated
	// precondition (e.g. refreshes their cached profile descriptor).
	Blocked  bool
	Evidence *Evidence
}

func success(msg string) Outcome {
	return Outcome{Status: StatusSuccess, Message: msg}
}

func failed(msg string) Outcome {
	return Outcome{Status: StatusFailed, Message: msg}
}

// Step is one verifier in the pipeline. Run blocks until the attempt
// resolves; the orchestrator re-invokes it on user-initiated retries.
// Cancel must synchronously release any device resources the step
// holds; a leaked camera handle is a defect, not a nuisance.
type Step interface {
	Kind() StepKind
	Run(ctx context.Context) Outcome
	Cancel()
}
