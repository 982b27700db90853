package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"escrowd/core/types"
)

// Status represents the lifecycle states of an escrow record. Locked is the
// sole initial state; the remaining states are terminal.
type Status uint8

const (
	StatusLocked Status = iota
	StatusCompleted
	StatusRefunded
	StatusPartialRefunded
)

// LockDuration is the fixed custody window. Once it elapses the cancel
// authorization relaxes from payee-only to any caller.
const LockDuration int64 = 24 * 60 * 60

// Escrow captures the funds held in custody for a single order. All fields
// except Status are immutable after creation; the record is never deleted and
// survives in its terminal state as an audit trail.
type Escrow struct {
	OrderID   uint64        `json:"orderId"`
	Payer     types.Address `json:"payer"`
	Payee     types.Address `json:"payee"`
	Asset     string        `json:"asset"`
	Amount    *big.Int      `json:"amount"`
	Status    Status        `json:"status"`
	CreatedAt int64         `json:"createdAt"`
	Expiry    int64         `json:"expiry"`
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusLocked }

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusCompleted, StatusRefunded, StatusPartialRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusLocked:
		return "locked"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	case StatusPartialRefunded:
		return "partial_refunded"
	default:
		return "unknown"
	}
}

// NormalizeAsset canonicalises an asset symbol to its uppercase form. Symbols
// must be non-empty and alphanumeric.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("asset symbol required")
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("invalid asset symbol: %s", symbol)
		}
	}
	return trimmed, nil
}

// Sanitize validates and normalises the supplied escrow record, returning a
// cloned instance with canonical asset casing and a non-nil amount. The
// original value is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Expiry < clone.CreatedAt {
		return nil, fmt.Errorf("escrow expiry precedes creation time")
	}
	return clone, nil
}
