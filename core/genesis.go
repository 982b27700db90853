package core

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/state"
)

// Genesis describes the initial account balances applied the first time the
// daemon starts on an empty data directory.
type Genesis struct {
	Alloc map[string]map[string]string `json:"alloc"`
}

// LoadGenesis reads and parses a genesis allocation file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	gen := new(Genesis)
	if err := json.Unmarshal(raw, gen); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	return gen, nil
}

// Apply stages the allocation into the manager. Amounts are decimal strings
// and must be non-negative.
func (g *Genesis) Apply(manager *state.Manager) error {
	if g == nil {
		return nil
	}
	for rawAddr, balances := range g.Alloc {
		addr, err := types.ParseAddress(rawAddr)
		if err != nil {
			return fmt.Errorf("genesis: account %s: %w", rawAddr, err)
		}
		account, err := manager.GetAccount(addr)
		if err != nil {
			return err
		}
		for asset, rawAmount := range balances {
			normalized, err := escrow.NormalizeAsset(asset)
			if err != nil {
				return fmt.Errorf("genesis: asset %q for %s: %w", asset, rawAddr, err)
			}
			amount, ok := new(big.Int).SetString(rawAmount, 10)
			if !ok || amount.Sign() < 0 {
				return fmt.Errorf("genesis: invalid amount %q for %s", rawAmount, rawAddr)
			}
			account.Balances[normalized] = amount
		}
		if err := manager.PutAccount(addr, account); err != nil {
			return err
		}
	}
	return nil
}
