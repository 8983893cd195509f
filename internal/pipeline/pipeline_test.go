package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentshield/internal/decisions"
	"github.com/mbd888/agentshield/internal/honeypot"
	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/ledger"
	"github.com/mbd888/agentshield/internal/policy"
	"github.com/mbd888/agentshield/internal/riskscore"
	"github.com/mbd888/agentshield/internal/simulation"
)

const (
	from = "0x1111111111111111111111111111111111111111"
	to   = "0x2222222222222222222222222222222222222222"
)

// scriptedSim returns queued effects/errors in order, repeating the last.
type scriptedSim struct {
	script []func() (*simulation.Effect, error)
	calls  int
}

func (s *scriptedSim) Simulate(_ context.Context, _ simulation.Request) (*simulation.Effect, error) {
	i := s.calls
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.calls++
	return s.script[i]()
}

func okSim() *scriptedSim {
	return &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return &simulation.Effect{GasUsed: 21000}, nil },
	}}
}

type fixedScorer struct {
	result *riskscore.Result
	err    error
}

func (f *fixedScorer) Score(_ context.Context, _ *intent.Intent, _ *simulation.Effect, _ honeypot.Verdict) (*riskscore.Result, error) {
	return f.result, f.err
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// newValidator wires a validator over real policy/ledger collaborators and
// the given fake simulator.
func newValidator(t *testing.T, cfg Config, rules []policy.Rule, sim simulation.Provider, opts ...Option) (*Validator, *ledger.Ledger) {
	t.Helper()
	if rules == nil {
		rules = []policy.Rule{
			{ID: "cap", Type: policy.TypeValueLimit, Enabled: true, Severity: policy.SeverityBlock,
				Params: params(t, policy.ValueLimitParams{MaxValue: "1000000000000000000000"})},
		}
	}
	if err := policy.ValidateRules(rules); err != nil {
		t.Fatalf("test rules: %v", err)
	}
	led := ledger.New(time.Minute)
	engine := policy.NewEngine(&policy.Document{Rules: rules}, led)
	detector := honeypot.New(sim, 0.9, "", 1)
	return New(cfg, engine, led, sim, detector, opts...), led
}

func nativeTx(value string) intent.RawTransaction {
	return intent.RawTransaction{From: from, To: to, Value: value, Gas: 21000}
}

func stageOutcome(d *decisions.Decision, stage string) (decisions.StageOutcome, bool) {
	for _, s := range d.Stages {
		if s.Stage == stage {
			return s.Outcome, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Happy path and early blocks
// ---------------------------------------------------------------------------

func TestValidate_Approved(t *testing.T) {
	v, _ := newValidator(t, Config{}, nil, okSim())

	d, err := v.Validate(context.Background(), nativeTx("1000"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Outcome != decisions.OutcomeApproved {
		t.Fatalf("expected approved, got %s", d.Outcome)
	}
	if d.RiskLevel != decisions.RiskLow {
		t.Fatalf("expected LOW risk, got %s", d.RiskLevel)
	}
	if d.Kind != "transfer" || d.Asset != intent.NativeAsset || d.Amount != "1000" {
		t.Fatalf("decision not populated from intent: %+v", d)
	}
	if o, ok := stageOutcome(d, decisions.StageIntent); !ok || o != decisions.StagePass {
		t.Fatalf("expected intent pass stage, got %v %v", o, ok)
	}
	if o, ok := stageOutcome(d, decisions.StageSimulation); !ok || o != decisions.StagePass {
		t.Fatalf("expected simulation pass stage, got %v %v", o, ok)
	}
}

func TestValidate_MalformedTransactionBlocks(t *testing.T) {
	sim := okSim()
	v, _ := newValidator(t, Config{}, nil, sim)

	d, err := v.Validate(context.Background(), intent.RawTransaction{From: "garbage", To: to})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageIntent); o != decisions.StageBlock {
		t.Fatalf("expected intent block, got %s", o)
	}
	if sim.calls != 0 {
		t.Fatal("simulation must not run after an intent block")
	}
}

func TestValidate_PolicyBlockShortCircuits(t *testing.T) {
	sim := okSim()
	rules := []policy.Rule{
		{ID: "cap", Type: policy.TypeValueLimit, Enabled: true, Severity: policy.SeverityBlock,
			Params: params(t, policy.ValueLimitParams{MaxValue: "100"})},
	}
	v, _ := newValidator(t, Config{}, rules, sim)

	d, _ := v.Validate(context.Background(), nativeTx("101"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", d.Outcome)
	}
	if d.RiskLevel != decisions.RiskHigh {
		t.Fatalf("blocked decisions are HIGH risk, got %s", d.RiskLevel)
	}
	if sim.calls != 0 {
		t.Fatal("simulation must not run after a policy block")
	}
}

func TestValidate_PolicyWarnApprovesWithWarnings(t *testing.T) {
	rules := []policy.Rule{
		{ID: "soft-cap", Type: policy.TypeValueLimit, Enabled: true, Severity: policy.SeverityWarn,
			Params: params(t, policy.ValueLimitParams{MaxValue: "100"})},
	}
	v, _ := newValidator(t, Config{}, rules, okSim())

	d, _ := v.Validate(context.Background(), nativeTx("101"))
	if d.Outcome != decisions.OutcomeWarned {
		t.Fatalf("expected warned, got %s", d.Outcome)
	}
	if d.RiskLevel != decisions.RiskMedium {
		t.Fatalf("warned decisions are MEDIUM risk, got %s", d.RiskLevel)
	}
}

// ---------------------------------------------------------------------------
// Spend accounting across decisions
// ---------------------------------------------------------------------------

func TestValidate_PerAssetLimitAcrossRequests(t *testing.T) {
	rules := []policy.Rule{
		{ID: "spend", Type: policy.TypePerAssetLimit, Enabled: true, Severity: policy.SeverityBlock,
			Params: params(t, policy.PerAssetLimitParams{Limit: "100", WindowSeconds: 3600})},
	}
	v, led := newValidator(t, Config{}, rules, okSim())
	ctx := context.Background()

	// Two 40s approve and commit.
	for i := 0; i < 2; i++ {
		d, err := v.Validate(ctx, nativeTx("40"))
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if d.Outcome != decisions.OutcomeApproved {
			t.Fatalf("validate %d: expected approved, got %s", i, d.Outcome)
		}
	}

	c, _ := led.Cumulative(ctx, from, intent.NativeAsset)
	if c.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("expected committed 80, got %s", c)
	}

	// Third 40 exceeds the window limit.
	d, _ := v.Validate(ctx, nativeTx("40"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked over window limit, got %s", d.Outcome)
	}
}

func TestValidate_BlockedDecisionReleasesReservation(t *testing.T) {
	// Per-asset rule grants a reservation, then the later simulation block
	// must release it so the quota is not consumed.
	rules := []policy.Rule{
		{ID: "spend", Type: policy.TypePerAssetLimit, Enabled: true, Severity: policy.SeverityBlock,
			Params: params(t, policy.PerAssetLimitParams{Limit: "100", WindowSeconds: 3600})},
	}
	revertingSim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return &simulation.Effect{Reverted: true}, nil },
	}}
	v, led := newValidator(t, Config{}, rules, revertingSim)
	ctx := context.Background()

	d, _ := v.Validate(ctx, nativeTx("100"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked on revert, got %s", d.Outcome)
	}

	c, _ := led.Cumulative(ctx, from, intent.NativeAsset)
	if c.Sign() != 0 {
		t.Fatalf("blocked decision must not commit spend, got %s", c)
	}
	// Quota is free immediately, not leased until expiry.
	rsv, err := led.Reserve(ctx, from, intent.NativeAsset, big.NewInt(100), big.NewInt(100), time.Hour)
	if err != nil || !rsv.Granted {
		t.Fatalf("released quota should be available: granted=%v err=%v", rsv.Granted, err)
	}
}

// ---------------------------------------------------------------------------
// Simulation failure modes
// ---------------------------------------------------------------------------

func TestValidate_SimulationRevertBlocks(t *testing.T) {
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) {
			return &simulation.Effect{Reverted: true, RevertReason: "INSUFFICIENT_BALANCE"}, nil
		},
	}}
	v, _ := newValidator(t, Config{}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageSimulation); o != decisions.StageBlock {
		t.Fatalf("expected simulation block, got %s", o)
	}
}

func TestValidate_SimulationRevertFailOpenWarns(t *testing.T) {
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return &simulation.Effect{Reverted: true}, nil },
	}}
	v, _ := newValidator(t, Config{FailOpenSimulation: true}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeWarned {
		t.Fatalf("expected warned under fail-open, got %s", d.Outcome)
	}
}

func TestValidate_SimulatorUnavailableFailClosed(t *testing.T) {
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return nil, simulation.ErrUnavailable },
	}}
	v, _ := newValidator(t, Config{SimAttempts: 2, SimRetryBase: time.Millisecond}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("default must fail closed, got %s", d.Outcome)
	}
	if d.RiskLevel != decisions.RiskHigh {
		t.Fatalf("expected HIGH, got %s", d.RiskLevel)
	}
	if sim.calls != 2 {
		t.Fatalf("unavailability should be retried, got %d calls", sim.calls)
	}
}

func TestValidate_SimulatorUnavailableFailOpen(t *testing.T) {
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return nil, simulation.ErrUnavailable },
	}}
	v, _ := newValidator(t, Config{FailOpenSimulation: true, SimAttempts: 1, SimRetryBase: time.Millisecond}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeWarned {
		t.Fatalf("fail-open unavailability should warn, got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageSimulation); o != decisions.StageError {
		t.Fatalf("expected simulation error stage, got %s", o)
	}
}

func TestValidate_SimulationRetriesTransientFault(t *testing.T) {
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) { return nil, simulation.ErrUnavailable },
		func() (*simulation.Effect, error) { return &simulation.Effect{GasUsed: 21000}, nil },
	}}
	v, _ := newValidator(t, Config{SimAttempts: 3, SimRetryBase: time.Millisecond}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeApproved {
		t.Fatalf("second attempt succeeded, expected approved, got %s", d.Outcome)
	}
	if sim.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", sim.calls)
	}
}

// ---------------------------------------------------------------------------
// Honeypot stage
// ---------------------------------------------------------------------------

// swapTx builds a swapExactETHForTokens raw transaction so the intent
// classifies as a swap routed through a venue.
func swapTx(t *testing.T) intent.RawTransaction {
	t.Helper()
	const fragment = `[{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}]`
	parsed, err := abi.JSON(strings.NewReader(fragment))
	if err != nil {
		t.Fatalf("parse router fragment: %v", err)
	}
	path := []common.Address{
		common.HexToAddress("0x5555555555555555555555555555555555555555"),
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
	}
	data, err := parsed.Pack("swapExactETHForTokens",
		big.NewInt(1), path, common.HexToAddress(from), big.NewInt(9999999999))
	if err != nil {
		t.Fatalf("pack swap calldata: %v", err)
	}
	return intent.RawTransaction{
		From:  from,
		To:    "0x4444444444444444444444444444444444444444",
		Value: "1000",
		Data:  "0x" + hex.EncodeToString(data),
		Gas:   200000,
	}
}

func TestValidate_HoneypotBlocks(t *testing.T) {
	principal := from
	// Buy credits a token; synthetic sell reverts.
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) {
			return &simulation.Effect{BalanceDeltas: []simulation.BalanceDelta{
				{Asset: "0x3333333333333333333333333333333333333333", Account: principal, Amount: big.NewInt(1000)},
			}}, nil
		},
		func() (*simulation.Effect, error) {
			return &simulation.Effect{Reverted: true, RevertReason: "SELL_BLOCKED"}, nil
		},
	}}
	v, _ := newValidator(t, Config{HoneypotEnabled: true}, nil, sim)

	d, err := v.Validate(context.Background(), swapTx(t))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked honeypot, got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageHoneypot); o != decisions.StageBlock {
		t.Fatalf("expected honeypot block stage, got %s", o)
	}
}

func TestValidate_HoneypotSafePasses(t *testing.T) {
	principal := from
	sim := &scriptedSim{script: []func() (*simulation.Effect, error){
		func() (*simulation.Effect, error) {
			return &simulation.Effect{BalanceDeltas: []simulation.BalanceDelta{
				{Asset: "0x3333333333333333333333333333333333333333", Account: principal, Amount: big.NewInt(1000)},
			}}, nil
		},
		func() (*simulation.Effect, error) {
			return &simulation.Effect{BalanceDeltas: []simulation.BalanceDelta{
				{Asset: "native", Account: principal, Amount: big.NewInt(980)},
			}}, nil
		},
	}}
	v, _ := newValidator(t, Config{HoneypotEnabled: true}, nil, sim)

	d, _ := v.Validate(context.Background(), swapTx(t))
	if d.Outcome != decisions.OutcomeApproved {
		t.Fatalf("expected approved safe swap, got %s", d.Outcome)
	}
}

func TestValidate_HoneypotInconclusive(t *testing.T) {
	principal := from
	buy := func() (*simulation.Effect, error) {
		return &simulation.Effect{BalanceDeltas: []simulation.BalanceDelta{
			{Asset: "0x3333333333333333333333333333333333333333", Account: principal, Amount: big.NewInt(1000)},
		}}, nil
	}
	sellDown := func() (*simulation.Effect, error) { return nil, simulation.ErrUnavailable }

	t.Run("fail closed", func(t *testing.T) {
		sim := &scriptedSim{script: []func() (*simulation.Effect, error){buy, sellDown}}
		v, _ := newValidator(t, Config{HoneypotEnabled: true}, nil, sim)
		d, _ := v.Validate(context.Background(), swapTx(t))
		if d.Outcome != decisions.OutcomeBlocked {
			t.Fatalf("inconclusive must block by default, got %s", d.Outcome)
		}
	})

	t.Run("fail open", func(t *testing.T) {
		sim := &scriptedSim{script: []func() (*simulation.Effect, error){buy, sellDown}}
		v, _ := newValidator(t, Config{HoneypotEnabled: true, FailOpenHoneypot: true}, nil, sim)
		d, _ := v.Validate(context.Background(), swapTx(t))
		if d.Outcome != decisions.OutcomeWarned {
			t.Fatalf("inconclusive should warn under fail-open, got %s", d.Outcome)
		}
	})
}

func TestValidate_HoneypotDisabledSkipsStage(t *testing.T) {
	sim := okSim()
	v, _ := newValidator(t, Config{HoneypotEnabled: false}, nil, sim)

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if _, ok := stageOutcome(d, decisions.StageHoneypot); ok {
		t.Fatal("disabled honeypot stage must emit no result")
	}
}

// ---------------------------------------------------------------------------
// Risk scoring
// ---------------------------------------------------------------------------

func TestValidate_RiskScoreBlocksAtThreshold(t *testing.T) {
	scorer := &fixedScorer{result: &riskscore.Result{Score: 0.85, Rationale: "looks like a drainer"}}
	v, _ := newValidator(t, Config{RiskBlockThreshold: 0.85}, nil, okSim(), WithScorer(scorer))

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("score at threshold must block, got %s", d.Outcome)
	}
}

func TestValidate_RiskScorePassesBelowThreshold(t *testing.T) {
	scorer := &fixedScorer{result: &riskscore.Result{Score: 0.2, Rationale: "routine"}}
	v, _ := newValidator(t, Config{RiskBlockThreshold: 0.85}, nil, okSim(), WithScorer(scorer))

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeApproved {
		t.Fatalf("expected approved, got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageRiskScore); o != decisions.StagePass {
		t.Fatalf("expected risk pass stage, got %s", o)
	}
}

func TestValidate_RiskScorerFailureNeverBlocks(t *testing.T) {
	scorer := &fixedScorer{err: riskscore.ErrUnavailable}
	v, _ := newValidator(t, Config{RiskBlockThreshold: 0.85}, nil, okSim(), WithScorer(scorer))

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if d.Outcome != decisions.OutcomeWarned {
		t.Fatalf("scorer failure should warn, not block: got %s", d.Outcome)
	}
	if o, _ := stageOutcome(d, decisions.StageRiskScore); o != decisions.StageWarn {
		t.Fatalf("expected risk warn stage, got %s", o)
	}
}

func TestValidate_NoScorerSkipsStage(t *testing.T) {
	v, _ := newValidator(t, Config{RiskBlockThreshold: 0.85}, nil, okSim())

	d, _ := v.Validate(context.Background(), nativeTx("1000"))
	if _, ok := stageOutcome(d, decisions.StageRiskScore); ok {
		t.Fatal("no scorer configured: stage must emit no result")
	}
	if d.Outcome != decisions.OutcomeApproved {
		t.Fatalf("expected approved, got %s", d.Outcome)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestValidate_RecordsDecision(t *testing.T) {
	store := decisions.NewMemoryStore()
	v, _ := newValidator(t, Config{}, nil, okSim(), WithStore(store))

	d, _ := v.Validate(context.Background(), nativeTx("1000"))

	got, err := store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("decision not persisted: %v", err)
	}
	if got.Outcome != d.Outcome {
		t.Fatalf("persisted outcome mismatch: %s vs %s", got.Outcome, d.Outcome)
	}
}

func TestValidate_IntentBlockedDecisionHasZeroAmount(t *testing.T) {
	store := decisions.NewMemoryStore()
	v, _ := newValidator(t, Config{}, nil, okSim(), WithStore(store))

	// Truncated calldata blocks before intent extraction ever sets an amount;
	// the record must still carry a well-formed zero, never an empty string.
	d, err := v.Validate(context.Background(), intent.RawTransaction{From: from, To: to, Data: "0x01"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d.Outcome != decisions.OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", d.Outcome)
	}
	if d.Amount != "0" {
		t.Fatalf("expected amount 0 for intent-blocked decision, got %q", d.Amount)
	}

	got, err := store.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("intent-blocked decision not persisted: %v", err)
	}
	if got.Amount != "0" {
		t.Fatalf("persisted amount mismatch: %q", got.Amount)
	}
}

// ---------------------------------------------------------------------------
// Determinism and commit rollback
// ---------------------------------------------------------------------------

func TestValidate_UnchangedInputYieldsIdenticalDecision(t *testing.T) {
	v, _ := newValidator(t, Config{RiskBlockThreshold: 0.8}, nil, okSim(),
		WithScorer(&fixedScorer{result: &riskscore.Result{Score: 0.2, Rationale: "routine transfer"}}))
	ctx := context.Background()

	// No per-asset rule, so the ledger state is unchanged between runs.
	first, err := v.Validate(ctx, nativeTx("1000"))
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	second, err := v.Validate(ctx, nativeTx("1000"))
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}

	if first.Outcome != second.Outcome || first.RiskLevel != second.RiskLevel {
		t.Fatalf("outcome drift: %s/%s vs %s/%s",
			first.Outcome, first.RiskLevel, second.Outcome, second.RiskLevel)
	}
	if len(first.Stages) != len(second.Stages) {
		t.Fatalf("stage count drift: %d vs %d", len(first.Stages), len(second.Stages))
	}
	for i := range first.Stages {
		a, b := first.Stages[i], second.Stages[i]
		if a.Stage != b.Stage || a.Outcome != b.Outcome || a.Reason != b.Reason {
			t.Fatalf("stage %d drift: %+v vs %+v", i, a, b)
		}
	}
}

func TestCommitReservations_PartialFailureRefunds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	led := ledger.New(10 * time.Second).WithClock(clock)
	ctx := context.Background()

	// Two reservations with staggered leases: advance the clock so the older
	// one has lapsed while the newer one is still live.
	rsvOld, _ := led.Reserve(ctx, from, intent.NativeAsset, big.NewInt(30), big.NewInt(100), time.Hour)
	now = now.Add(6 * time.Second)
	rsvNew, _ := led.Reserve(ctx, from, intent.NativeAsset, big.NewInt(30), big.NewInt(100), time.Hour)
	now = now.Add(5 * time.Second)

	v := New(Config{}, nil, led, nil, nil)
	r := &run{reservations: []*ledger.Reservation{rsvNew, rsvOld}}

	// The live reservation commits first, then the expired one fails.
	err := v.commitReservations(ctx, r)
	if !errors.Is(err, ledger.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}

	// The decision becomes a block; the commit that landed must be rolled
	// back so no spend stays counted.
	c, _ := led.Cumulative(ctx, from, intent.NativeAsset)
	if c.Sign() != 0 {
		t.Fatalf("partial commit left spend counted: %s", c)
	}
}
