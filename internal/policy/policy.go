// Package policy provides the rule engine that gates candidate transactions.
//
// A policy is an ordered set of independently configured rules loaded once
// per validation session and treated as immutable configuration. Rule kinds
// form a closed set dispatched through a single evaluation switch — adding a
// kind means touching ValidateRules and evaluateRule together.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Errors
var (
	ErrUnknownRuleType = errors.New("policy: unknown rule type")
	ErrNoRules         = errors.New("policy: document has no rules")
)

// Severity determines what a failing rule does to the pipeline.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Rule kinds.
const (
	TypeValueLimit        = "value_limit"
	TypeAddressList       = "address_list"
	TypePerAssetLimit     = "per_asset_limit"
	TypeGasLimit          = "gas_limit"
	TypeFunctionAllowlist = "function_allowlist"
)

// Rule is a single named constraint within a policy.
type Rule struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params"`
	Enabled  bool            `json:"enabled"`
	Severity Severity        `json:"severity"`
}

// ValueLimitParams blocks native value above a maximum (base units, decimal string).
type ValueLimitParams struct {
	MaxValue string `json:"maxValue"`
}

// AddressListParams matches the recipient against a list. Mode is "denylist"
// (block on match) or "allowlist" (block on absence); the two are mutually
// exclusive per rule instance.
type AddressListParams struct {
	Mode      string   `json:"mode"`
	Addresses []string `json:"addresses"`
}

// PerAssetLimitParams caps cumulative spend per (principal, asset) within a
// rolling fixed window, enforced through the spend ledger.
type PerAssetLimitParams struct {
	Limit         string `json:"limit"` // base units, decimal string
	WindowSeconds int    `json:"windowSeconds"`
}

// GasLimitParams blocks declared gas above a maximum.
type GasLimitParams struct {
	MaxGas uint64 `json:"maxGas"`
}

// FunctionAllowlistParams permits only the listed call classifications.
// "unknown" and "generic_call" must be listed explicitly to pass.
type FunctionAllowlistParams struct {
	Allowed []string `json:"allowed"`
}

// ValidateRules checks that all rules have valid types, params, and severities.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule[%d]: id is required", i)
		}
		if r.Severity != SeverityBlock && r.Severity != SeverityWarn {
			return fmt.Errorf("rule[%d] %s: severity must be %q or %q", i, r.ID, SeverityBlock, SeverityWarn)
		}

		switch r.Type {
		case TypeValueLimit:
			var p ValueLimitParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] %s: invalid params: %w", i, r.ID, err)
			}
			if _, ok := parseAmount(p.MaxValue); !ok {
				return fmt.Errorf("rule[%d] %s: maxValue must be a non-negative integer", i, r.ID)
			}
		case TypeAddressList:
			var p AddressListParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] %s: invalid params: %w", i, r.ID, err)
			}
			if p.Mode != "denylist" && p.Mode != "allowlist" {
				return fmt.Errorf("rule[%d] %s: mode must be denylist or allowlist", i, r.ID)
			}
			if len(p.Addresses) == 0 {
				return fmt.Errorf("rule[%d] %s: addresses list must not be empty", i, r.ID)
			}
		case TypePerAssetLimit:
			var p PerAssetLimitParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] %s: invalid params: %w", i, r.ID, err)
			}
			if _, ok := parseAmount(p.Limit); !ok {
				return fmt.Errorf("rule[%d] %s: limit must be a non-negative integer", i, r.ID)
			}
			if p.WindowSeconds <= 0 {
				return fmt.Errorf("rule[%d] %s: windowSeconds must be positive", i, r.ID)
			}
		case TypeGasLimit:
			var p GasLimitParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] %s: invalid params: %w", i, r.ID, err)
			}
			if p.MaxGas == 0 {
				return fmt.Errorf("rule[%d] %s: maxGas must be positive", i, r.ID)
			}
		case TypeFunctionAllowlist:
			var p FunctionAllowlistParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] %s: invalid params: %w", i, r.ID, err)
			}
			if len(p.Allowed) == 0 {
				return fmt.Errorf("rule[%d] %s: allowed list must not be empty", i, r.ID)
			}
		default:
			return fmt.Errorf("%w: rule[%d] %s has type %q", ErrUnknownRuleType, i, r.ID, r.Type)
		}
	}
	return nil
}

// Window returns the configured window as a duration.
func (p PerAssetLimitParams) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// parseAmount parses a non-negative decimal base-unit amount.
func parseAmount(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
