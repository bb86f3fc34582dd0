package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeCreated       = "escrow.created"
	EventTypeDeposited     = "escrow.deposited"
	EventTypeReleased      = "escrow.released"
	EventTypeDisputed      = "escrow.disputed"
	EventTypeVoteCast      = "escrow.vote"
	EventTypeRefunded      = "escrow.refunded"
	EventTypeFeesWithdrawn = "escrow.fees_withdrawn"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	evt := newEscrowEvent(EventTypeCreated, e)
	if e != nil {
		evt.Attributes["depositDeadline"] = strconv.FormatInt(e.DepositDeadline, 10)
		evt.Attributes["arbiterCount"] = strconv.Itoa(e.ArbiterCount())
	}
	return evt
}

// NewDepositedEvent returns the payload emitted when the buyer deposits
// value, carrying the single deposit and the running total.
func NewDepositedEvent(e *Escrow, value *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeDeposited, e)
	evt.Attributes["value"] = formatAmount(value)
	if e != nil {
		evt.Attributes["totalDeposited"] = formatAmount(e.TotalDeposited)
	}
	return evt
}

// NewReleasedEvent returns the payload emitted when the held principal leaves
// the instance toward the recipient. For voting resolutions the amount is the
// net of the withheld arbitration fee.
func NewReleasedEvent(e *Escrow, to [20]byte, amount, fee *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeReleased, e)
	evt.Attributes["to"] = hex.EncodeToString(to[:])
	evt.Attributes["amount"] = formatAmount(amount)
	if fee != nil && fee.Sign() > 0 {
		evt.Attributes["fee"] = formatAmount(fee)
	}
	return evt
}

// NewDisputedEvent returns the payload emitted when buyer or seller raises a
// dispute.
func NewDisputedEvent(e *Escrow, by [20]byte) *types.Event {
	evt := newEscrowEvent(EventTypeDisputed, e)
	evt.Attributes["raisedBy"] = hex.EncodeToString(by[:])
	return evt
}

// NewVoteCastEvent returns the payload emitted when an arbiter records a
// ballot, including the running tallies.
func NewVoteCastEvent(e *Escrow, arbiter [20]byte, forBuyer bool) *types.Event {
	evt := newEscrowEvent(EventTypeVoteCast, e)
	evt.Attributes["arbiter"] = hex.EncodeToString(arbiter[:])
	evt.Attributes["forBuyer"] = strconv.FormatBool(forBuyer)
	if e != nil {
		evt.Attributes["votesForBuyer"] = strconv.FormatUint(uint64(e.VotesForBuyer), 10)
		evt.Attributes["votesForSeller"] = strconv.FormatUint(uint64(e.VotesForSeller), 10)
	}
	return evt
}

// NewRefundedEvent returns the payload emitted when the deposit timeout
// returns the principal to the buyer.
func NewRefundedEvent(e *Escrow, amount *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeRefunded, e)
	if e != nil {
		evt.Attributes["to"] = hex.EncodeToString(e.Buyer[:])
	}
	evt.Attributes["amount"] = formatAmount(amount)
	return evt
}

// NewFeesWithdrawnEvent returns the payload emitted when an arbiter claims a
// share of the collected fee pool.
func NewFeesWithdrawnEvent(e *Escrow, arbiter [20]byte, share *big.Int) *types.Event {
	evt := newEscrowEvent(EventTypeFeesWithdrawn, e)
	evt.Attributes["arbiter"] = hex.EncodeToString(arbiter[:])
	evt.Attributes["share"] = formatAmount(share)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(e.ID[:])
	attrs["buyer"] = hex.EncodeToString(e.Buyer[:])
	attrs["seller"] = hex.EncodeToString(e.Seller[:])
	attrs["status"] = e.Status.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
