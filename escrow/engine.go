package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

// engineState is the backend contract the engine transitions against: the
// escrow registry, the per-order custody balances, and the value transfer
// service. Implementations must apply all writes of one invocation as a
// single atomic unit.
type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(orderID uint64) (*Escrow, bool)
	EscrowUpdate(*Escrow) error
	EscrowCredit(orderID uint64, asset string, amt *big.Int) error
	EscrowDebit(orderID uint64, asset string, amt *big.Int) error
	CustodyAddress(asset string) (types.Address, error)
	Transfer(from, to types.Address, asset string, amount *big.Int) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the escrow transition rules with external state and event
// emitters. It holds no state of its own; callers provide serialization
// across invocations on the same order.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used to stamp records and evaluate
// expiry. Primarily intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(orderID uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(orderID)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

// Create locks amount of asset for the order: the payer's funds move into the
// custody account and a Locked record is written. The caller must be the
// payer, since theirs is the account being debited. Fails with
// ErrDuplicateOrder when a record for the order already exists.
func (e *Engine) Create(orderID uint64, payer, payee types.Address, asset string, amount *big.Int, caller types.Address) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrAmountNotPositive
	}
	if caller != payer {
		return nil, fmt.Errorf("%w: only the payer may fund an escrow", ErrUnauthorized)
	}
	if _, ok := e.state.EscrowGet(orderID); ok {
		return nil, ErrDuplicateOrder
	}
	custody, err := e.state.CustodyAddress(normalized)
	if err != nil {
		return nil, err
	}
	if err := e.state.Transfer(payer, custody, normalized, amt); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(orderID, normalized, amt); err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		OrderID:   orderID,
		Payer:     payer,
		Payee:     payee,
		Asset:     normalized,
		Amount:    amt,
		Status:    StatusLocked,
		CreatedAt: now,
		Expiry:    now + LockDuration,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, err
	}
	e.emit(NewLockedEvent(esc))
	return esc.Clone(), nil
}

// Complete settles the escrow in favour of the payee: the full locked amount
// moves from custody to the payee and the record becomes Completed. Only the
// payee may claim the release; no partial completion exists.
func (e *Engine) Complete(orderID uint64, caller types.Address) error {
	esc, err := e.loadEscrow(orderID)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		return ErrNotLocked
	}
	if caller != esc.Payee {
		return fmt.Errorf("%w: only the payee may complete the order", ErrUnauthorized)
	}
	return e.settle(esc, StatusCompleted, big.NewInt(0), NewCompletedEvent)
}

// Cancel refunds the full locked amount to the payer and marks the record
// Refunded. Before expiry only the payee may authorize cancellation; once the
// expiry has passed any caller may trigger it so funds are never stuck.
func (e *Engine) Cancel(orderID uint64, caller types.Address) error {
	esc, err := e.loadEscrow(orderID)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		return ErrNotLocked
	}
	if e.now() < esc.Expiry && caller != esc.Payee {
		return fmt.Errorf("%w: only the payee may cancel before expiry", ErrUnauthorized)
	}
	return e.settle(esc, StatusRefunded, cloneBigInt(esc.Amount), NewRefundedEvent)
}

// PartialRefund splits the locked amount in a single terminal transition:
// refundAmount returns to the payer and the remainder goes to the payee. The
// refund must satisfy 0 <= refundAmount < amount; refunding the full amount
// is rejected rather than routed to Cancel. The payee authorizes the split,
// conceding a reduced settlement.
func (e *Engine) PartialRefund(orderID uint64, refundAmount *big.Int, caller types.Address) error {
	esc, err := e.loadEscrow(orderID)
	if err != nil {
		return err
	}
	if esc.Status != StatusLocked {
		return ErrNotLocked
	}
	if caller != esc.Payee {
		return fmt.Errorf("%w: only the payee may grant a partial refund", ErrUnauthorized)
	}
	refund := cloneBigInt(refundAmount)
	if refund.Sign() < 0 {
		return ErrRefundNegative
	}
	if refund.Cmp(esc.Amount) >= 0 {
		return ErrRefundTooLarge
	}
	return e.settle(esc, StatusPartialRefunded, refund, func(esc *Escrow) *types.Event {
		return NewPartialRefundedEvent(esc, refund)
	})
}

// Get returns a copy of the escrow record for the order. Read-only; details
// carry no account-level authorization requirement.
func (e *Engine) Get(orderID uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(orderID)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// settle performs the terminal fund movement for the escrow: refund returns
// to the payer, the remainder of the locked amount goes to the payee, and the
// custody balance for the order is debited in full so nothing can be released
// twice. The two payouts always sum to the locked amount.
func (e *Engine) settle(esc *Escrow, status Status, refund *big.Int, eventFn func(*Escrow) *types.Event) error {
	if esc == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	total := cloneBigInt(esc.Amount)
	if total.Sign() <= 0 {
		return ErrAmountNotPositive
	}
	payout := new(big.Int).Sub(total, refund)
	if payout.Sign() < 0 {
		return ErrRefundTooLarge
	}
	custody, err := e.state.CustodyAddress(esc.Asset)
	if err != nil {
		return err
	}
	if refund.Sign() > 0 {
		if err := e.state.Transfer(custody, esc.Payer, esc.Asset, refund); err != nil {
			return err
		}
	}
	if payout.Sign() > 0 {
		if err := e.state.Transfer(custody, esc.Payee, esc.Asset, payout); err != nil {
			return err
		}
	}
	if err := e.state.EscrowDebit(esc.OrderID, esc.Asset, total); err != nil {
		return err
	}
	esc.Status = status
	if err := e.state.EscrowUpdate(esc); err != nil {
		return err
	}
	e.emit(eventFn(esc))
	return nil
}
