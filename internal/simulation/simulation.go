// Package simulation normalizes an external transaction simulator into
// SimulatedEffect records the pipeline can reason about.
//
// A revert is business data, not a fault: it comes back as an Effect with
// Reverted set. Only transport-level failures (timeout, network, bad status)
// surface as ErrUnavailable. Retry policy lives in the orchestrator, never here.
package simulation

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/mbd888/agentshield/internal/intent"
)

// ErrUnavailable indicates the simulation provider could not be reached or
// returned an unusable response within the bounded attempt.
var ErrUnavailable = errors.New("simulation: provider unavailable")

// Side distinguishes the original candidate call from the synthetic
// counter-transaction the honeypot detector constructs.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AssetContext tells the provider which asset movement the caller cares
// about, so synthetic sells can be simulated without hand-built calldata.
type AssetContext struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"` // base units, decimal string
	Side   Side   `json:"side"`
}

// Request is one simulation round trip.
type Request struct {
	From         string        `json:"from"`
	To           string        `json:"to"`
	Data         string        `json:"data,omitempty"` // hex calldata
	Value        string        `json:"value"`          // native base units, decimal string
	ChainID      int64         `json:"chainId,omitempty"`
	AssetContext *AssetContext `json:"assetContext,omitempty"`
}

// BalanceDelta is one signed asset movement observed by the simulator.
type BalanceDelta struct {
	Asset   string   `json:"asset"`   // NativeAsset or lowercase token contract
	Account string   `json:"account"` // lowercase address
	Amount  *big.Int `json:"-"`       // signed, base units
}

// Effect is the normalized result of one simulation. Immutable once produced.
type Effect struct {
	Reverted     bool
	GasUsed      uint64
	BalanceDeltas []BalanceDelta
	RevertReason string
}

// Provider is the external simulation collaborator.
type Provider interface {
	Simulate(ctx context.Context, req Request) (*Effect, error)
}

// RequestFor builds the buy-side simulation request for an extracted intent.
func RequestFor(in *intent.Intent, chainID int64) Request {
	req := Request{
		From:    strings.ToLower(in.Principal.Hex()),
		To:      strings.ToLower(in.Target.Hex()),
		Value:   in.NativeValue.String(),
		ChainID: chainID,
	}
	if len(in.RawData) > 0 {
		req.Data = "0x" + hex.EncodeToString(in.RawData)
	}
	if in.Asset != intent.NativeAsset {
		req.AssetContext = &AssetContext{
			Asset:  in.Asset,
			Amount: in.Amount.String(),
			Side:   SideBuy,
		}
	}
	return req
}

// Received returns the largest positive balance delta credited to account,
// excluding the named assets. Returns ok=false when nothing was received.
func (e *Effect) Received(account string, exclude ...string) (BalanceDelta, bool) {
	account = strings.ToLower(account)
	skip := make(map[string]bool, len(exclude))
	for _, a := range exclude {
		skip[strings.ToLower(a)] = true
	}

	var best BalanceDelta
	found := false
	for _, d := range e.BalanceDeltas {
		if strings.ToLower(d.Account) != account || d.Amount == nil || d.Amount.Sign() <= 0 {
			continue
		}
		if skip[strings.ToLower(d.Asset)] {
			continue
		}
		if !found || d.Amount.Cmp(best.Amount) > 0 {
			best = d
			found = true
		}
	}
	return best, found
}
