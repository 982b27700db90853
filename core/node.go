package core

import (
	"math/big"
	"sync"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/state"
	"escrowd/storage"
)

const genesisAppliedKey = "genesis/applied"

// Node is the central controller wiring storage, the state manager and the
// escrow engine together. The state mutex makes every lifecycle invocation a
// serializable unit: the precondition checks, the fund movement and the state
// write of one call can never interleave with another call on any order.
type Node struct {
	db      storage.Database
	stateMu sync.Mutex
	emitter events.Emitter
	nowFn   func() int64
}

// NewNode opens a node over the database, applying the genesis allocation the
// first time the daemon starts on an empty store.
func NewNode(db storage.Database, gen *Genesis) (*Node, error) {
	n := &Node{db: db, emitter: events.NoopEmitter{}}
	applied, err := db.Has([]byte(genesisAppliedKey))
	if err != nil {
		return nil, err
	}
	if !applied && gen != nil {
		manager := state.NewManager(db)
		if err := gen.Apply(manager); err != nil {
			return nil, err
		}
		if err := manager.Commit(); err != nil {
			return nil, err
		}
		if err := db.Put([]byte(genesisAppliedKey), []byte{1}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// SetEmitter configures the emitter receiving escrow lifecycle events.
// Passing nil resets it to a no-op implementation.
func (n *Node) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	n.emitter = emitter
}

// SetNowFunc overrides the time source handed to the engine. Intended for
// tests.
func (n *Node) SetNowFunc(now func() int64) { n.nowFn = now }

func (n *Node) newEngine(manager *state.Manager) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(n.emitter)
	if n.nowFn != nil {
		engine.SetNowFunc(n.nowFn)
	}
	return engine
}

// CreateEscrow locks amount of asset for the order, debiting the payer into
// custody. The caller must be the payer.
func (n *Node) CreateEscrow(orderID uint64, payer, payee types.Address, asset string, amount *big.Int, caller types.Address) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEngine(manager)
	esc, err := engine.Create(orderID, payer, payee, asset, amount, caller)
	if err != nil {
		return nil, err
	}
	if err := manager.Commit(); err != nil {
		return nil, err
	}
	return esc, nil
}

// CompleteOrder releases the full locked amount to the payee.
func (n *Node) CompleteOrder(orderID uint64, caller types.Address) error {
	return n.transition(orderID, caller, (*escrow.Engine).Complete)
}

// CancelOrder refunds the full locked amount to the payer, subject to the
// expiry-gated authorization rules.
func (n *Node) CancelOrder(orderID uint64, caller types.Address) error {
	return n.transition(orderID, caller, (*escrow.Engine).Cancel)
}

func (n *Node) transition(orderID uint64, caller types.Address, fn func(*escrow.Engine, uint64, types.Address) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEngine(manager)
	if err := fn(engine, orderID, caller); err != nil {
		return err
	}
	return manager.Commit()
}

// PartialRefund splits the locked amount between payer and payee in a single
// terminal transition.
func (n *Node) PartialRefund(orderID uint64, refundAmount *big.Int, caller types.Address) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEngine(manager)
	if err := engine.PartialRefund(orderID, refundAmount, caller); err != nil {
		return err
	}
	return manager.Commit()
}

// GetEscrowDetails returns a copy of the escrow record for the order.
func (n *Node) GetEscrowDetails(orderID uint64) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newEngine(manager)
	return engine.Get(orderID)
}

// Balance reports the spendable balance an account holds for an asset.
func (n *Node) Balance(addr types.Address, asset string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	account, err := manager.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	normalized, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	return account.BalanceOf(normalized), nil
}

// EscrowBalance reports the custody balance currently held for an order.
func (n *Node) EscrowBalance(orderID uint64, asset string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return manager.EscrowBalance(orderID, asset)
}

// CustodyAddress exposes the derived custody account for an asset.
func (n *Node) CustodyAddress(asset string) (types.Address, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return manager.CustodyAddress(asset)
}
