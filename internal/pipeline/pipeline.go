// Package pipeline orchestrates the validation stages for one candidate
// transaction: intent extraction, policy evaluation, simulation, honeypot
// detection, and risk scoring, aggregated into a single Decision.
//
// The pipeline is fail-closed by default: a blocking stage short-circuits
// the rest, and external-service failures block unless configuration says
// otherwise. Ledger reservations made during policy evaluation are released
// on any outcome except APPROVED.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/agentshield/internal/circuitbreaker"
	"github.com/mbd888/agentshield/internal/decisions"
	"github.com/mbd888/agentshield/internal/honeypot"
	"github.com/mbd888/agentshield/internal/idgen"
	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/ledger"
	"github.com/mbd888/agentshield/internal/logging"
	"github.com/mbd888/agentshield/internal/metrics"
	"github.com/mbd888/agentshield/internal/policy"
	"github.com/mbd888/agentshield/internal/retry"
	"github.com/mbd888/agentshield/internal/riskscore"
	"github.com/mbd888/agentshield/internal/simulation"
	"github.com/mbd888/agentshield/internal/traces"
)

// State is the pipeline position for one request.
type State string

const (
	StatePending         State = "pending"
	StateIntentExtracted State = "intent_extracted"
	StatePolicyEvaluated State = "policy_evaluated"
	StateSimulated       State = "simulated"
	StateHoneypotChecked State = "honeypot_checked"
	StateRiskScored      State = "risk_scored"
	StateDecided         State = "decided"
)

// Breaker keys for the two external collaborators.
const (
	breakerSimulator  = "simulator"
	breakerRiskScorer = "risk_scorer"
)

// Config holds the per-session pipeline policy. Immutable after New.
type Config struct {
	ChainID     int64
	NativeAsset string

	// Fail-open switches for external stages. Defaults (false) fail closed.
	FailOpenSimulation bool
	FailOpenHoneypot   bool

	HoneypotEnabled    bool
	RiskBlockThreshold float64

	// Retry policy for the buy-side simulation call.
	SimAttempts  int
	SimRetryBase time.Duration
}

// Validator runs the validation pipeline. Safe for concurrent use; the spend
// ledger is the only shared mutable state and is internally synchronized.
type Validator struct {
	cfg      Config
	engine   *policy.Engine
	ledger   *ledger.Ledger
	sim      simulation.Provider
	detector *honeypot.Detector
	scorer   riskscore.Scorer // nil disables the risk stage
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	store    decisions.Store // nil disables persistence
}

// Option configures the validator.
type Option func(*Validator)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// WithScorer enables the risk scoring stage.
func WithScorer(s riskscore.Scorer) Option {
	return func(v *Validator) { v.scorer = s }
}

// WithStore enables decision persistence.
func WithStore(s decisions.Store) Option {
	return func(v *Validator) { v.store = s }
}

// WithBreaker overrides the default circuit breaker (for tests).
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(v *Validator) { v.breaker = b }
}

// New creates a validator over the given collaborators.
func New(cfg Config, engine *policy.Engine, led *ledger.Ledger, sim simulation.Provider, detector *honeypot.Detector, opts ...Option) *Validator {
	if cfg.SimAttempts <= 0 {
		cfg.SimAttempts = 2
	}
	if cfg.SimRetryBase <= 0 {
		cfg.SimRetryBase = 200 * time.Millisecond
	}
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = intent.NativeAsset
	}

	v := &Validator{
		cfg:      cfg,
		engine:   engine,
		ledger:   led,
		sim:      sim,
		detector: detector,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// run tracks one request's pass through the state machine.
type run struct {
	state        State
	decision     *decisions.Decision
	in           *intent.Intent
	effect       *simulation.Effect
	verdict      honeypot.Verdict
	reservations []*ledger.Reservation
	warned       bool
}

// Validate runs the full pipeline for one raw transaction. It always returns
// a Decision with the ordered stage results; the error return is reserved
// for infrastructure failures like a cancelled context.
func (v *Validator) Validate(ctx context.Context, raw intent.RawTransaction) (*decisions.Decision, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "pipeline.validate")
	defer span.End()

	r := &run{
		state:   StatePending,
		verdict: honeypot.VerdictNotApplicable,
		decision: &decisions.Decision{
			ID:        idgen.WithPrefix("dec_"),
			Principal: strings.ToLower(raw.From),
			Recipient: strings.ToLower(raw.To),
			Amount:    "0", // stays zero when intent extraction blocks
			CreatedAt: start,
		},
	}

	blocked := v.runStages(ctx, r, raw)

	// Terminal bookkeeping. Release uses a fresh context so a cancelled
	// request can never strand a reservation until lease expiry.
	r.state = StateDecided
	if blocked {
		r.decision.Outcome = decisions.OutcomeBlocked
		v.releaseReservations(r)
	} else {
		if err := v.commitReservations(ctx, r); err != nil {
			// Commit failed (lease expired or context gone): the quota was
			// reclaimed, so approving would break the ledger invariant.
			v.appendStage(r, decisions.StageResult{
				Stage:   decisions.StagePolicy,
				Outcome: decisions.StageBlock,
				Reason:  fmt.Sprintf("reservation commit failed: %v", err),
			})
			r.decision.Outcome = decisions.OutcomeBlocked
			v.releaseReservations(r)
		} else if r.warned {
			r.decision.Outcome = decisions.OutcomeWarned
		} else {
			r.decision.Outcome = decisions.OutcomeApproved
		}
	}

	r.decision.RiskLevel = decisions.DeriveRiskLevel(r.decision.Outcome, r.decision.Stages)
	r.decision.LatencyMs = time.Since(start).Milliseconds()

	metrics.DecisionsTotal.WithLabelValues(string(r.decision.Outcome)).Inc()
	span.SetAttributes(
		attribute.String("decision.outcome", string(r.decision.Outcome)),
		attribute.String("decision.id", r.decision.ID),
	)

	if v.store != nil {
		if err := v.store.Record(ctx, r.decision); err != nil {
			logging.L(ctx).Warn("failed to persist decision", "decision_id", r.decision.ID, "error", err)
		}
	}

	logging.L(ctx).Info("validation decided",
		"decision_id", r.decision.ID,
		"outcome", r.decision.Outcome,
		"risk_level", r.decision.RiskLevel,
		"stages", len(r.decision.Stages),
		"latency_ms", r.decision.LatencyMs,
	)

	return r.decision, nil
}

// runStages walks the stage sequence. Returns true when the decision is a block.
func (v *Validator) runStages(ctx context.Context, r *run, raw intent.RawTransaction) bool {
	if blocked := v.stageIntent(ctx, r, raw); blocked {
		return true
	}
	if blocked := v.stagePolicy(ctx, r); blocked {
		return true
	}
	if blocked := v.stageSimulation(ctx, r); blocked {
		return true
	}
	if blocked := v.stageHoneypot(ctx, r); blocked {
		return true
	}
	return v.stageRiskScore(ctx, r)
}

// stageIntent extracts the Intent. A DecodeError always blocks.
func (v *Validator) stageIntent(ctx context.Context, r *run, raw intent.RawTransaction) bool {
	_, span := traces.StartSpan(ctx, "stage.intent")
	defer span.End()
	timer := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(decisions.StageIntent).Observe(time.Since(timer).Seconds()) }()

	in, err := intent.Extract(raw, v.cfg.NativeAsset)
	if err != nil {
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageIntent,
			Outcome:  decisions.StageBlock,
			Reason:   err.Error(),
			Evidence: map[string]any{"data": raw.Data},
		})
		return true
	}

	r.in = in
	r.state = StateIntentExtracted
	r.decision.Principal = strings.ToLower(in.Principal.Hex())
	r.decision.Recipient = strings.ToLower(in.Recipient.Hex())
	r.decision.Asset = in.Asset
	r.decision.Amount = in.Amount.String()
	r.decision.Kind = string(in.Kind)

	v.appendStage(r, decisions.StageResult{
		Stage:   decisions.StageIntent,
		Outcome: decisions.StagePass,
		Evidence: map[string]any{
			"kind":   string(in.Kind),
			"asset":  in.Asset,
			"amount": in.Amount.String(),
		},
	})
	return false
}

// stagePolicy evaluates the rule set. Engine errors fail closed.
func (v *Validator) stagePolicy(ctx context.Context, r *run) bool {
	ctx, span := traces.StartSpan(ctx, "stage.policy")
	defer span.End()
	timer := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(decisions.StagePolicy).Observe(time.Since(timer).Seconds()) }()

	res, err := v.engine.Evaluate(ctx, r.in)
	if res != nil {
		r.reservations = append(r.reservations, res.Reservations...)
		for _, s := range res.Stages {
			v.appendStage(r, s)
		}
	}
	if err != nil {
		v.appendStage(r, decisions.StageResult{
			Stage:   decisions.StagePolicy,
			Outcome: decisions.StageError,
			Reason:  fmt.Sprintf("policy evaluation failed: %v", err),
		})
		return true // fail closed
	}

	r.state = StatePolicyEvaluated
	return res.Blocked
}

// stageSimulation runs the buy-side simulation with retry and a circuit
// breaker. Unavailability and reverts follow the fail-open switch.
func (v *Validator) stageSimulation(ctx context.Context, r *run) bool {
	ctx, span := traces.StartSpan(ctx, "stage.simulation")
	defer span.End()
	timer := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(decisions.StageSimulation).Observe(time.Since(timer).Seconds()) }()

	if !v.breaker.Allow(breakerSimulator) {
		metrics.ProviderErrorsTotal.WithLabelValues(breakerSimulator).Inc()
		return v.simulationUnavailable(r, "simulator circuit open")
	}

	req := simulation.RequestFor(r.in, v.cfg.ChainID)

	var effect *simulation.Effect
	err := retry.Do(ctx, v.cfg.SimAttempts, v.cfg.SimRetryBase, func() error {
		var simErr error
		effect, simErr = v.sim.Simulate(ctx, req)
		if simErr != nil && !errors.Is(simErr, simulation.ErrUnavailable) {
			return retry.Permanent(simErr)
		}
		return simErr
	})
	if err != nil {
		v.breaker.RecordFailure(breakerSimulator)
		metrics.ProviderErrorsTotal.WithLabelValues(breakerSimulator).Inc()
		if ctx.Err() != nil {
			// Request died mid-call; surface the cancellation, fail closed.
			return v.simulationUnavailable(r, "simulation cancelled: "+ctx.Err().Error())
		}
		return v.simulationUnavailable(r, fmt.Sprintf("simulation unavailable: %v", err))
	}
	v.breaker.RecordSuccess(breakerSimulator)

	r.effect = effect
	r.state = StateSimulated

	if effect.Reverted {
		outcome := decisions.StageBlock
		if v.cfg.FailOpenSimulation {
			outcome = decisions.StageWarn
			r.warned = true
		}
		reason := "transaction reverts in simulation"
		if effect.RevertReason != "" {
			reason = fmt.Sprintf("transaction reverts in simulation: %s", effect.RevertReason)
		}
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageSimulation,
			Outcome:  outcome,
			Reason:   reason,
			Evidence: map[string]any{"gas_used": effect.GasUsed},
		})
		return outcome == decisions.StageBlock
	}

	v.appendStage(r, decisions.StageResult{
		Stage:   decisions.StageSimulation,
		Outcome: decisions.StagePass,
		Evidence: map[string]any{
			"gas_used": effect.GasUsed,
			"deltas":   len(effect.BalanceDeltas),
		},
	})
	return false
}

// simulationUnavailable applies the fail-open switch to a provider fault.
func (v *Validator) simulationUnavailable(r *run, reason string) bool {
	outcome := decisions.StageError
	r.warned = true
	v.appendStage(r, decisions.StageResult{
		Stage:   decisions.StageSimulation,
		Outcome: outcome,
		Reason:  reason,
	})
	return !v.cfg.FailOpenSimulation
}

// stageHoneypot drives the sell-path check for token-acquiring intents.
func (v *Validator) stageHoneypot(ctx context.Context, r *run) bool {
	if !v.cfg.HoneypotEnabled || v.detector == nil || r.effect == nil {
		return false
	}

	ctx, span := traces.StartSpan(ctx, "stage.honeypot")
	defer span.End()
	timer := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(decisions.StageHoneypot).Observe(time.Since(timer).Seconds()) }()

	report, err := v.detector.Check(ctx, r.in, r.effect)
	if err != nil {
		v.appendStage(r, decisions.StageResult{
			Stage:   decisions.StageHoneypot,
			Outcome: decisions.StageError,
			Reason:  fmt.Sprintf("honeypot check failed: %v", err),
		})
		r.warned = true
		return !v.cfg.FailOpenHoneypot
	}

	r.verdict = report.Verdict
	r.state = StateHoneypotChecked

	evidence := map[string]any{"verdict": string(report.Verdict)}
	if report.Attempted {
		evidence["asset"] = report.Asset
		evidence["buy_amount"] = report.BuyAmount.String()
		if report.SellRatio != nil {
			evidence["sell_ratio"] = report.SellRatio.FloatString(3)
		}
	}

	switch report.Verdict {
	case honeypot.VerdictHoneypot:
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageHoneypot,
			Outcome:  decisions.StageBlock,
			Reason:   report.Reason,
			Evidence: evidence,
		})
		return true

	case honeypot.VerdictInconclusive:
		outcome := decisions.StageBlock
		if v.cfg.FailOpenHoneypot {
			outcome = decisions.StageWarn
			r.warned = true
		}
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageHoneypot,
			Outcome:  outcome,
			Reason:   report.Reason,
			Evidence: evidence,
		})
		return outcome == decisions.StageBlock

	default: // safe or not_applicable
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageHoneypot,
			Outcome:  decisions.StagePass,
			Reason:   report.Reason,
			Evidence: evidence,
		})
		return false
	}
}

// stageRiskScore is advisory: failures warn, only a high score blocks.
func (v *Validator) stageRiskScore(ctx context.Context, r *run) bool {
	if v.scorer == nil {
		return false
	}

	ctx, span := traces.StartSpan(ctx, "stage.risk_score")
	defer span.End()
	timer := time.Now()
	defer func() { metrics.StageDuration.WithLabelValues(decisions.StageRiskScore).Observe(time.Since(timer).Seconds()) }()

	if !v.breaker.Allow(breakerRiskScorer) {
		metrics.ProviderErrorsTotal.WithLabelValues(breakerRiskScorer).Inc()
		return v.riskScoreUnavailable(r, "risk scorer circuit open")
	}

	result, err := v.scorer.Score(ctx, r.in, r.effect, r.verdict)
	if err != nil {
		v.breaker.RecordFailure(breakerRiskScorer)
		metrics.ProviderErrorsTotal.WithLabelValues(breakerRiskScorer).Inc()
		return v.riskScoreUnavailable(r, fmt.Sprintf("risk scoring unavailable: %v", err))
	}
	v.breaker.RecordSuccess(breakerRiskScorer)

	r.state = StateRiskScored

	evidence := map[string]any{
		"score":     result.Score,
		"rationale": result.Rationale,
	}

	if v.cfg.RiskBlockThreshold > 0 && result.Score >= v.cfg.RiskBlockThreshold {
		v.appendStage(r, decisions.StageResult{
			Stage:    decisions.StageRiskScore,
			Outcome:  decisions.StageBlock,
			Reason:   fmt.Sprintf("risk score %.3f at or above block threshold %.3f", result.Score, v.cfg.RiskBlockThreshold),
			Evidence: evidence,
		})
		return true
	}

	v.appendStage(r, decisions.StageResult{
		Stage:    decisions.StageRiskScore,
		Outcome:  decisions.StagePass,
		Evidence: evidence,
	})
	return false
}

// riskScoreUnavailable records the advisory failure; never blocks.
func (v *Validator) riskScoreUnavailable(r *run, reason string) bool {
	r.warned = true
	v.appendStage(r, decisions.StageResult{
		Stage:   decisions.StageRiskScore,
		Outcome: decisions.StageWarn,
		Reason:  reason,
	})
	return false
}

func (v *Validator) appendStage(r *run, s decisions.StageResult) {
	metrics.StageResultsTotal.WithLabelValues(s.Stage, string(s.Outcome)).Inc()
	if s.Outcome == decisions.StageWarn {
		r.warned = true
	}
	r.decision.Stages = append(r.decision.Stages, s)
}

// releaseReservations returns held quota. Runs on a background context so a
// dead request context cannot leave quota held until lease expiry.
func (v *Validator) releaseReservations(r *run) {
	for _, rsv := range r.reservations {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := v.ledger.Release(ctx, rsv); err != nil {
			v.logger.Warn("failed to release reservation", "reservation_id", rsv.ID, "error", err)
		}
		cancel()
	}
	r.reservations = nil
}

// commitReservations finalizes held quota on approval. All-or-nothing: if a
// later commit fails (lease expired, context gone), the commits that already
// landed are refunded — the decision becomes a block and must leave no spend
// counted.
func (v *Validator) commitReservations(ctx context.Context, r *run) error {
	committed := make([]*ledger.Reservation, 0, len(r.reservations))
	for _, rsv := range r.reservations {
		if err := v.ledger.Commit(ctx, rsv); err != nil {
			for _, c := range committed {
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if rerr := v.ledger.Refund(rctx, c); rerr != nil {
					v.logger.Warn("failed to refund committed reservation", "reservation_id", c.ID, "error", rerr)
				}
				cancel()
			}
			return err
		}
		committed = append(committed, rsv)
	}
	r.reservations = nil
	return nil
}
