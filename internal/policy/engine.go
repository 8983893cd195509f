package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbd888/agentshield/internal/decisions"
	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/ledger"
)

// Engine evaluates an immutable ordered rule set against extracted intents.
// All rules are pure functions of the intent except per_asset_limit, whose
// ledger side effect is confined to the atomic reserve/release contract.
type Engine struct {
	rules  []Rule
	ledger *ledger.Ledger
}

// Result is the outcome of one policy evaluation pass.
type Result struct {
	Stages       []decisions.StageResult
	Reservations []*ledger.Reservation // granted reservations, owned by the caller
	Blocked      bool
}

// NewEngine creates an engine over a validated policy document.
func NewEngine(doc *Document, led *ledger.Ledger) *Engine {
	return &Engine{rules: doc.Rules, ledger: led}
}

// Evaluate runs the rules in configured order. It stops at the first failing
// block-severity rule (later rules never run, and never touch the ledger)
// but continues past warn-severity failures to collect every advisory.
//
// On a non-nil error the caller must still release any returned reservations.
func (e *Engine) Evaluate(ctx context.Context, in *intent.Intent) (*Result, error) {
	res := &Result{}

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue // disabled rules emit no StageResult at all
		}

		violation, err := e.evaluateRule(ctx, rule, in, res)
		if err != nil {
			return res, fmt.Errorf("rule %s: %w", rule.ID, err)
		}

		stage := decisions.StageResult{
			Stage:   decisions.StagePolicy,
			Outcome: decisions.StagePass,
			Evidence: map[string]any{
				"rule": rule.ID,
				"type": rule.Type,
			},
		}

		if violation != "" {
			stage.Reason = fmt.Sprintf("%s: %s", rule.ID, violation)
			if rule.Severity == SeverityBlock {
				stage.Outcome = decisions.StageBlock
				res.Stages = append(res.Stages, stage)
				res.Blocked = true
				return res, nil // first block wins, later rules do not evaluate
			}
			stage.Outcome = decisions.StageWarn
		}

		res.Stages = append(res.Stages, stage)
	}

	return res, nil
}

// evaluateRule dispatches on the closed rule-kind set. Returns a violation
// message ("" when the rule passes) or an infrastructure error.
func (e *Engine) evaluateRule(ctx context.Context, rule Rule, in *intent.Intent, res *Result) (string, error) {
	switch rule.Type {
	case TypeValueLimit:
		return evalValueLimit(rule, in)
	case TypeAddressList:
		return evalAddressList(rule, in)
	case TypePerAssetLimit:
		return e.evalPerAssetLimit(ctx, rule, in, res)
	case TypeGasLimit:
		return evalGasLimit(rule, in)
	case TypeFunctionAllowlist:
		return evalFunctionAllowlist(rule, in)
	default:
		// ValidateRules rejects unknown types at load; reaching here means
		// the document was mutated after validation.
		return "", fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.Type)
	}
}

func evalValueLimit(rule Rule, in *intent.Intent) (string, error) {
	var p ValueLimitParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return "", fmt.Errorf("malformed params: %w", err)
	}
	max, ok := parseAmount(p.MaxValue)
	if !ok {
		return "", fmt.Errorf("malformed maxValue %q", p.MaxValue)
	}
	if in.NativeValue.Cmp(max) > 0 {
		return fmt.Sprintf("native value %s exceeds maximum %s", in.NativeValue, max), nil
	}
	return "", nil
}

func evalAddressList(rule Rule, in *intent.Intent) (string, error) {
	var p AddressListParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return "", fmt.Errorf("malformed params: %w", err)
	}

	recipient := strings.ToLower(in.Recipient.Hex())
	listed := false
	for _, a := range p.Addresses {
		if strings.ToLower(a) == recipient {
			listed = true
			break
		}
	}

	switch p.Mode {
	case "denylist":
		if listed {
			return fmt.Sprintf("recipient %s is denylisted", recipient), nil
		}
	case "allowlist":
		if !listed {
			return fmt.Sprintf("recipient %s is not on the allowlist", recipient), nil
		}
	}
	return "", nil
}

func (e *Engine) evalPerAssetLimit(ctx context.Context, rule Rule, in *intent.Intent, res *Result) (string, error) {
	var p PerAssetLimitParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return "", fmt.Errorf("malformed params: %w", err)
	}
	limit, ok := parseAmount(p.Limit)
	if !ok {
		return "", fmt.Errorf("malformed limit %q", p.Limit)
	}

	principal := strings.ToLower(in.Principal.Hex())
	rsv, err := e.ledger.Reserve(ctx, principal, in.Asset, in.Amount, limit, p.Window())
	if err != nil {
		return "", err
	}
	if !rsv.Granted {
		return fmt.Sprintf("amount %s would exceed per-asset limit %s for %s within %s",
			in.Amount, limit, in.Asset, p.Window()), nil
	}

	res.Reservations = append(res.Reservations, rsv)
	return "", nil
}

func evalGasLimit(rule Rule, in *intent.Intent) (string, error) {
	var p GasLimitParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return "", fmt.Errorf("malformed params: %w", err)
	}
	if in.GasLimit > p.MaxGas {
		return fmt.Sprintf("declared gas %d exceeds maximum %d", in.GasLimit, p.MaxGas), nil
	}
	return "", nil
}

func evalFunctionAllowlist(rule Rule, in *intent.Intent) (string, error) {
	var p FunctionAllowlistParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return "", fmt.Errorf("malformed params: %w", err)
	}
	for _, allowed := range p.Allowed {
		if allowed == string(in.Kind) {
			return "", nil
		}
	}
	return fmt.Sprintf("call classification %q is not allowed", in.Kind), nil
}
