package escrow

import (
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeEscrowLocked          = "escrow.locked"
	EventTypeEscrowCompleted       = "escrow.completed"
	EventTypeEscrowRefunded        = "escrow.refunded"
	EventTypeEscrowPartialRefunded = "escrow.partial_refunded"
)

// NewLockedEvent returns the canonical event payload for a newly funded
// escrow.
func NewLockedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowLocked, e) }

// NewCompletedEvent returns the canonical event payload emitted when the full
// amount is released to the payee.
func NewCompletedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

// NewRefundedEvent returns the canonical event payload emitted when the full
// amount returns to the payer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

// NewPartialRefundedEvent returns the canonical event payload for a split
// settlement. The refund attribute carries the payer's share; the payout
// attribute carries the payee's remainder.
func NewPartialRefundedEvent(e *Escrow, refund *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowPartialRefunded, e)
	if e == nil || refund == nil {
		return evt
	}
	evt.Attributes["refundAmount"] = refund.String()
	if e.Amount != nil {
		evt.Attributes["payoutAmount"] = new(big.Int).Sub(e.Amount, refund).String()
	}
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := Sanitize(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = strconv.FormatUint(sanitized.OrderID, 10)
	attrs["payer"] = sanitized.Payer.String()
	attrs["payee"] = sanitized.Payee.String()
	attrs["asset"] = sanitized.Asset
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	attrs["expiry"] = strconv.FormatInt(sanitized.Expiry, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
