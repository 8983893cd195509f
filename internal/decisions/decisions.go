// Package decisions defines the validation verdict types and their audit trail.
//
// Every pipeline run produces a Decision: the final outcome plus the ordered
// list of stage results that led to it. Decisions are persisted so a caller
// can always answer "which stage and which rule blocked this transaction".
package decisions

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("decisions: not found")

// StageOutcome is one stage's verdict.
type StageOutcome string

const (
	StagePass  StageOutcome = "pass"
	StageWarn  StageOutcome = "warn"
	StageBlock StageOutcome = "block"
	StageError StageOutcome = "error"
)

// Outcome is the final verdict for a transaction.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeWarned   Outcome = "warned" // approved with advisories recorded
)

// RiskLevel is the coarse advisory level surfaced in API responses.
type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// Stage names emitted by the pipeline, in execution order.
const (
	StageIntent     = "intent"
	StagePolicy     = "policy"
	StageSimulation = "simulation"
	StageHoneypot   = "honeypot"
	StageRiskScore  = "risk_score"
)

// StageResult is the uniform record every stage emits.
type StageResult struct {
	Stage    string         `json:"stage"`
	Outcome  StageOutcome   `json:"outcome"`
	Reason   string         `json:"reason,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Decision is the full result of validating one candidate transaction.
type Decision struct {
	ID        string        `json:"id"`
	Principal string        `json:"principal"`
	Recipient string        `json:"recipient"`
	Asset     string        `json:"asset"`
	Amount    string        `json:"amount"`
	Kind      string        `json:"kind"`
	Outcome   Outcome       `json:"outcome"`
	RiskLevel RiskLevel     `json:"riskLevel"`
	Stages    []StageResult `json:"stages"`
	LatencyMs int64         `json:"latencyMs"`
	CreatedAt time.Time     `json:"createdAt"`
}

// DeriveRiskLevel maps an outcome and its stage results onto the coarse
// advisory levels the original API exposed.
func DeriveRiskLevel(outcome Outcome, stages []StageResult) RiskLevel {
	switch outcome {
	case OutcomeBlocked:
		return RiskHigh
	case OutcomeWarned:
		return RiskMedium
	}
	for _, s := range stages {
		if s.Outcome == StageError {
			return RiskUnknown
		}
	}
	return RiskLow
}

// ListOptions filters decision history queries.
type ListOptions struct {
	Principal string // filter by principal address, empty for all
	Limit     int
	Offset    int
}

// Store persists decisions for the audit trail.
type Store interface {
	Record(ctx context.Context, d *Decision) error
	Get(ctx context.Context, id string) (*Decision, error)
	List(ctx context.Context, opts ListOptions) ([]*Decision, error)
}
