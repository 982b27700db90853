package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address identifies an account on the ledger. Addresses are rendered as
// 0x-prefixed hex strings on every external surface.
type Address [20]byte

// ParseAddress decodes a 0x-prefixed hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return addr, fmt.Errorf("address required")
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return addr, fmt.Errorf("address must be 0x-prefixed")
	}
	cleaned := trimmed[2:]
	if len(cleaned) != 2*len(addr) {
		return addr, fmt.Errorf("address must be %d bytes", len(addr))
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("invalid address: %w", err)
	}
	copy(addr[:], raw)
	return addr, nil
}

// BytesToAddress copies up to 20 bytes from b into an Address, right-aligned
// the way Ethereum-style addresses truncate hash output.
func BytesToAddress(b []byte) Address {
	var addr Address
	if len(b) > len(addr) {
		b = b[len(b)-len(addr):]
	}
	copy(addr[len(addr)-len(b):], b)
	return addr
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// Bytes returns the raw address bytes.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool { return a == (Address{}) }

// MarshalText implements encoding.TextMarshaler so addresses serialise as hex
// strings in JSON payloads and as map keys.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Account holds the spendable balances of one ledger participant, keyed by
// asset symbol. Balances are always non-nil after EnsureAsset.
type Account struct {
	Nonce    uint64              `json:"nonce"`
	Balances map[string]*big.Int `json:"balances"`
}

// NewAccount returns an account with an initialised balance map.
func NewAccount() *Account {
	return &Account{Balances: make(map[string]*big.Int)}
}

// EnsureAsset guarantees a non-nil balance entry for the asset and returns it.
func (a *Account) EnsureAsset(asset string) *big.Int {
	if a.Balances == nil {
		a.Balances = make(map[string]*big.Int)
	}
	bal, ok := a.Balances[asset]
	if !ok || bal == nil {
		bal = big.NewInt(0)
		a.Balances[asset] = bal
	}
	return bal
}

// BalanceOf returns a copy of the balance held for the asset. Missing assets
// report zero.
func (a *Account) BalanceOf(asset string) *big.Int {
	if a == nil || a.Balances == nil {
		return big.NewInt(0)
	}
	bal, ok := a.Balances[asset]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{Nonce: a.Nonce, Balances: make(map[string]*big.Int, len(a.Balances))}
	for asset, bal := range a.Balances {
		if bal == nil {
			clone.Balances[asset] = big.NewInt(0)
			continue
		}
		clone.Balances[asset] = new(big.Int).Set(bal)
	}
	return clone
}
