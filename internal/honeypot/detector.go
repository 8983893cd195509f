// Package honeypot detects tokens that can be bought but not sold.
//
// The detector runs after the buy-side simulation. When that simulation
// shows the principal acquiring a non-native asset, it constructs a
// synthetic sell of the exact received amount, routed back through the same
// venue, and simulates it. A sell that reverts or returns materially less
// than the buy implies the token confiscates value on exit.
//
// The synthetic sell is hypothetical and never executed; this stage must not
// touch the spend ledger.
package honeypot

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/metrics"
	"github.com/mbd888/agentshield/internal/simulation"
)

// Verdict classifies the sell-path check.
type Verdict string

const (
	VerdictNotApplicable Verdict = "not_applicable"
	VerdictSafe          Verdict = "safe"
	VerdictHoneypot      Verdict = "honeypot"
	VerdictInconclusive  Verdict = "inconclusive"
)

// Report is the full detector output.
type Report struct {
	Attempted  bool
	Verdict    Verdict
	Reason     string
	Asset      string
	BuyAmount  *big.Int           // tokens the buy credited to the principal
	SellAmount *big.Int           // proceeds the synthetic sell returned
	SellRatio  *big.Rat           // SellAmount / BuyAmount, nil when no sell ran
	SellEffect *simulation.Effect // nil when the sell never ran
}

// Detector drives the two-step buy/sell heuristic.
type Detector struct {
	provider    simulation.Provider
	minRatio    *big.Rat
	nativeAsset string
	chainID     int64
}

// New creates a detector. minSellRatio is the smallest acceptable
// proceeds/expected ratio, e.g. 0.9.
func New(provider simulation.Provider, minSellRatio float64, nativeAsset string, chainID int64) *Detector {
	r := new(big.Rat).SetFloat64(minSellRatio)
	if r == nil || r.Sign() <= 0 {
		r = big.NewRat(9, 10)
	}
	if nativeAsset == "" {
		nativeAsset = intent.NativeAsset
	}
	return &Detector{provider: provider, minRatio: r, nativeAsset: nativeAsset, chainID: chainID}
}

// Check runs the heuristic for one intent and its buy-side effect.
//
// Applicability: the intent must be a token-acquiring action (a swap) and
// the buy simulation must credit the principal a positive amount of a
// non-native asset. Anything else is not_applicable.
//
// With no price oracle configured, the raw received token amount is the
// expected-value baseline: the sell of N tokens should return value worth at
// least minRatio * N in the venue's quote units.
func (d *Detector) Check(ctx context.Context, in *intent.Intent, buy *simulation.Effect) (*Report, error) {
	report := &Report{Verdict: VerdictNotApplicable}

	if in.Kind != intent.KindSwap || buy == nil || buy.Reverted {
		metrics.HoneypotVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
		return report, nil
	}

	principal := strings.ToLower(in.Principal.Hex())
	received, ok := buy.Received(principal, d.nativeAsset)
	if !ok {
		report.Reason = "buy simulation shows no non-native asset credited to principal"
		metrics.HoneypotVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
		return report, nil
	}

	report.Attempted = true
	report.Asset = received.Asset
	report.BuyAmount = new(big.Int).Set(received.Amount)

	// Synthetic counter-transaction: sell the exact received amount back
	// through the venue the buy went through.
	sellReq := simulation.Request{
		From:    principal,
		To:      strings.ToLower(in.Venue().Hex()),
		Value:   "0",
		ChainID: d.chainID,
		AssetContext: &simulation.AssetContext{
			Asset:  received.Asset,
			Amount: received.Amount.String(),
			Side:   simulation.SideSell,
		},
	}

	sell, err := d.provider.Simulate(ctx, sellReq)
	if err != nil {
		if errors.Is(err, simulation.ErrUnavailable) {
			report.Verdict = VerdictInconclusive
			report.Reason = "sell simulation unavailable"
			metrics.HoneypotVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
			return report, nil
		}
		return nil, err
	}

	report.SellEffect = sell

	if sell.Reverted {
		report.Verdict = VerdictHoneypot
		report.Reason = "sell simulation reverted"
		if sell.RevertReason != "" {
			report.Reason = fmt.Sprintf("sell simulation reverted: %s", sell.RevertReason)
		}
		metrics.HoneypotVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
		return report, nil
	}

	// Proceeds are whatever the sell credits back to the principal, the sold
	// token itself excluded.
	proceeds, ok := sell.Received(principal, received.Asset)
	if !ok {
		report.SellAmount = new(big.Int)
	} else {
		report.SellAmount = new(big.Int).Set(proceeds.Amount)
	}

	report.SellRatio = new(big.Rat).SetFrac(report.SellAmount, report.BuyAmount)

	if report.SellRatio.Cmp(d.minRatio) >= 0 {
		report.Verdict = VerdictSafe
		report.Reason = fmt.Sprintf("sell returned %s of expected value (threshold %s)",
			report.SellRatio.FloatString(3), d.minRatio.FloatString(3))
	} else {
		report.Verdict = VerdictHoneypot
		report.Reason = fmt.Sprintf("sell returned only %s of expected value (threshold %s)",
			report.SellRatio.FloatString(3), d.minRatio.FloatString(3))
	}

	metrics.HoneypotVerdictsTotal.WithLabelValues(string(report.Verdict)).Inc()
	return report, nil
}
