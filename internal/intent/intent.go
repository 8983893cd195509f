// Package intent decodes raw transaction fields into a structured Intent.
//
// The extractor is the first pipeline stage: it classifies what a candidate
// transaction is trying to do (native transfer, token transfer, approval,
// swap, arbitrary contract call) before any policy or simulation runs.
// Decoding never fails on an unrecognized function selector — conservative
// classification lets later stages apply restrictive policy instead.
package intent

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Errors
var (
	ErrDecode        = errors.New("intent: malformed call data")
	ErrInvalidField  = errors.New("intent: invalid transaction field")
	ErrInvalidAmount = errors.New("intent: invalid amount")
)

// NativeAsset identifies the chain's native currency in Intent.Asset and
// simulation balance deltas.
const NativeAsset = "native"

// Kind classifies the decoded purpose of a transaction.
type Kind string

const (
	KindTransfer    Kind = "transfer"     // native transfer or ERC20-style transfer/transferFrom
	KindApproval    Kind = "approval"     // ERC20-style approve
	KindSwap        Kind = "swap"         // DEX router swap
	KindGenericCall Kind = "generic_call" // contract call with unrecognized selector
	KindUnknown     Kind = "unknown"      // recognized selector with undecodable arguments
)

// RawTransaction is the caller-supplied candidate transaction.
// Value is the native amount in base units as a decimal string.
// Data is hex calldata, with or without 0x prefix.
type RawTransaction struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
	Gas   uint64 `json:"gas"`
}

// Intent is the structured interpretation of a raw transaction.
// Immutable once extracted; every later stage reads it, none mutate it.
type Intent struct {
	Principal common.Address // transaction sender
	Recipient common.Address // effective recipient (token receiver, spender, or call target)
	Target      common.Address // the transaction's literal `to` field
	Asset       string         // NativeAsset or lowercase token contract address
	Amount      *big.Int       // value moved, in the asset's base units
	NativeValue *big.Int       // the transaction's literal value field
	Kind        Kind
	Params    map[string]any // decoded call arguments by name
	RawData   []byte         // calldata as given, preserved for evidence
	GasLimit  uint64
}

// Venue returns the contract the transaction is addressed to. For swaps this
// is the router the honeypot detector routes the synthetic sell back through.
func (i *Intent) Venue() common.Address {
	return i.Target
}

// Summary renders a short human-readable description for logs and risk prompts.
func (i *Intent) Summary() string {
	return fmt.Sprintf("%s of %s %s from %s to %s (gas %d)",
		i.Kind, i.Amount.String(), i.Asset,
		strings.ToLower(i.Principal.Hex()), strings.ToLower(i.Recipient.Hex()), i.GasLimit)
}

// Extract decodes a raw transaction into an Intent.
//
// Rules:
//   - empty calldata with value > 0: native transfer
//   - empty calldata with zero value: unknown (nothing to do, policy decides)
//   - calldata shorter than a 4-byte selector: ErrDecode
//   - known selector: structured decode (transfer, approval, swap kinds)
//   - unknown selector: generic_call with raw data preserved, params empty
func Extract(raw RawTransaction, nativeAsset string) (*Intent, error) {
	if nativeAsset == "" {
		nativeAsset = NativeAsset
	}

	if !common.IsHexAddress(raw.From) {
		return nil, fmt.Errorf("%w: from address %q", ErrInvalidField, raw.From)
	}
	if !common.IsHexAddress(raw.To) {
		return nil, fmt.Errorf("%w: to address %q", ErrInvalidField, raw.To)
	}
	from := common.HexToAddress(raw.From)
	to := common.HexToAddress(raw.To)

	value := new(big.Int)
	if s := strings.TrimSpace(raw.Value); s != "" {
		if _, ok := value.SetString(s, 10); !ok || value.Sign() < 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, raw.Value)
		}
	}

	data, err := decodeHex(raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	in := &Intent{
		Principal:   from,
		Recipient:   to,
		Target:      to,
		Asset:       nativeAsset,
		Amount:      value,
		NativeValue: new(big.Int).Set(value),
		Params:      map[string]any{},
		RawData:     data,
		GasLimit:    raw.Gas,
	}

	// Plain value transfer: no calldata to decode.
	if len(data) == 0 {
		if value.Sign() > 0 {
			in.Kind = KindTransfer
		} else {
			in.Kind = KindUnknown
		}
		return in, nil
	}

	// Non-empty calldata must at least carry a selector.
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: calldata is %d bytes, need at least 4", ErrDecode, len(data))
	}

	classify(in, to, data)
	return in, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}
