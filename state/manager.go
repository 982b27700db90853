package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/storage"
)

// ErrInsufficientFunds is returned when a transfer would overdraw the source
// account or the custody balance held for an order.
var ErrInsufficientFunds = errors.New("state: insufficient balance")

const (
	escrowKeyPrefix  = "escrow/"
	accountKeyPrefix = "account/"
	vaultKeyPrefix   = "vault/"
)

// custodySeed namespaces the derived custody addresses so they can never
// collide with externally supplied accounts.
const custodySeed = "escrowd/custody/"

// Manager mediates all reads and writes between the engine and the backing
// key-value store. Writes are staged in an overlay and only reach the store
// on Commit, so an invocation that fails midway leaves no observable effect.
type Manager struct {
	db      storage.Database
	pending map[string][]byte
	order   []string
}

// NewManager wraps the database in a fresh staging overlay. A manager is
// intended to live for a single invocation; callers needing serialization
// across invocations must provide it externally.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string][]byte)}
}

func escrowKey(orderID uint64) string {
	return escrowKeyPrefix + strconv.FormatUint(orderID, 10)
}

func accountKey(addr types.Address) string {
	return accountKeyPrefix + addr.String()
}

func vaultKey(orderID uint64, asset string) string {
	return vaultKeyPrefix + asset + "/" + strconv.FormatUint(orderID, 10)
}

func (m *Manager) stage(key string, value []byte) {
	if _, ok := m.pending[key]; !ok {
		m.order = append(m.order, key)
	}
	m.pending[key] = value
}

func (m *Manager) read(key string) ([]byte, bool, error) {
	if value, ok := m.pending[key]; ok {
		return value, true, nil
	}
	value, err := m.db.Get([]byte(key))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) exists(key string) (bool, error) {
	if _, ok := m.pending[key]; ok {
		return true, nil
	}
	return m.db.Has([]byte(key))
}

// Commit flushes every staged write to the backing store as one atomic batch.
// Either the whole invocation lands or none of it does, even when the store
// fails mid-flush.
func (m *Manager) Commit() error {
	if len(m.order) == 0 {
		return nil
	}
	batch := new(storage.Batch)
	for _, key := range m.order {
		batch.Put([]byte(key), m.pending[key])
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.pending = make(map[string][]byte)
	m.order = nil
	return nil
}

// EscrowPut writes a new escrow record. The registry enforces key uniqueness:
// an existing record for the order causes the put to fail.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(esc)
	if err != nil {
		return err
	}
	key := escrowKey(sanitized.OrderID)
	exists, err := m.exists(key)
	if err != nil {
		return err
	}
	if exists {
		return escrow.ErrDuplicateOrder
	}
	return m.writeEscrow(key, sanitized)
}

// EscrowGet loads the escrow record for the order, reporting whether one
// exists.
func (m *Manager) EscrowGet(orderID uint64) (*escrow.Escrow, bool) {
	raw, ok, err := m.read(escrowKey(orderID))
	if err != nil || !ok {
		return nil, false
	}
	esc := new(escrow.Escrow)
	if err := json.Unmarshal(raw, esc); err != nil {
		return nil, false
	}
	return esc, true
}

// EscrowUpdate overwrites an existing escrow record. Records are never
// deleted; terminal escrows persist as audit entries.
func (m *Manager) EscrowUpdate(esc *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(esc)
	if err != nil {
		return err
	}
	key := escrowKey(sanitized.OrderID)
	exists, err := m.exists(key)
	if err != nil {
		return err
	}
	if !exists {
		return escrow.ErrNotFound
	}
	return m.writeEscrow(key, sanitized)
}

func (m *Manager) writeEscrow(key string, esc *escrow.Escrow) error {
	raw, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("state: marshal escrow: %w", err)
	}
	m.stage(key, raw)
	return nil
}

// GetAccount loads the account for the address. Unknown addresses resolve to
// an empty account rather than an error.
func (m *Manager) GetAccount(addr types.Address) (*types.Account, error) {
	raw, ok, err := m.read(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	account := new(types.Account)
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, fmt.Errorf("state: decode account %s: %w", addr, err)
	}
	if account.Balances == nil {
		account.Balances = make(map[string]*big.Int)
	}
	return account, nil
}

// PutAccount stages the account record for the address.
func (m *Manager) PutAccount(addr types.Address, account *types.Account) error {
	if account == nil {
		account = types.NewAccount()
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("state: marshal account %s: %w", addr, err)
	}
	m.stage(accountKey(addr), raw)
	return nil
}

// Transfer moves amount of asset between two accounts. The move is
// all-or-nothing: an overdrawn source fails the transfer with no effect.
func (m *Manager) Transfer(from, to types.Address, asset string, amount *big.Int) error {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative transfer amount")
	}
	if from == to {
		return nil
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	fromBal := fromAcc.EnsureAsset(normalized)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientFunds, from, fromBal, normalized, amount)
	}
	fromAcc.Balances[normalized] = new(big.Int).Sub(fromBal, amount)
	toAcc.Balances[normalized] = new(big.Int).Add(toAcc.EnsureAsset(normalized), amount)
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}

// CustodyAddress derives the deterministic address of the custody account for
// an asset: the trailing twenty bytes of keccak256 over a fixed seed and the
// canonical asset symbol.
func (m *Manager) CustodyAddress(asset string) (types.Address, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return types.Address{}, err
	}
	digest := ethcrypto.Keccak256([]byte(custodySeed), []byte(normalized))
	return types.BytesToAddress(digest), nil
}

// EscrowCredit records that amount of asset is now held in custody for the
// order. The vault balance reconciles fund movement with state transitions.
func (m *Manager) EscrowCredit(orderID uint64, asset string, amt *big.Int) error {
	return m.adjustVault(orderID, asset, amt, false)
}

// EscrowDebit releases amount of asset from the custody balance held for the
// order. Debiting more than is held fails, so a settled escrow can never pay
// out twice.
func (m *Manager) EscrowDebit(orderID uint64, asset string, amt *big.Int) error {
	return m.adjustVault(orderID, asset, amt, true)
}

// EscrowBalance reports the custody balance currently held for the order.
func (m *Manager) EscrowBalance(orderID uint64, asset string) (*big.Int, error) {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	raw, ok, err := m.read(vaultKey(orderID, normalized))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	balance, success := new(big.Int).SetString(string(raw), 10)
	if !success {
		return nil, fmt.Errorf("state: corrupt vault balance for order %d", orderID)
	}
	return balance, nil
}

func (m *Manager) adjustVault(orderID uint64, asset string, amt *big.Int, debit bool) error {
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return err
	}
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: vault adjustment must be non-negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(orderID, normalized)
	if err != nil {
		return err
	}
	if debit {
		if current.Cmp(amt) < 0 {
			return fmt.Errorf("%w: custody holds %s %s for order %d, needs %s", ErrInsufficientFunds, current, normalized, orderID, amt)
		}
		current.Sub(current, amt)
	} else {
		current.Add(current, amt)
	}
	m.stage(vaultKey(orderID, normalized), []byte(current.String()))
	return nil
}
