package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// MaxFeeBps caps the arbitration fee at 10% of the deposited principal.
const MaxFeeBps uint32 = 1000

// feeDenominator converts basis points into a fraction of the principal.
const feeDenominator = 10_000

// Status represents the lifecycle states of a single escrow instance. The
// graph only moves forward: AwaitingPayment -> AwaitingDelivery ->
// {Complete | Disputed}, Disputed -> Complete.
type Status uint8

const (
	StatusAwaitingPayment Status = iota
	StatusAwaitingDelivery
	StatusDisputed
	StatusComplete
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusAwaitingDelivery, StatusDisputed, StatusComplete:
		return true
	default:
		return false
	}
}

// String returns the canonical lowercase name used in events and RPC output.
func (s Status) String() string {
	switch s {
	case StatusAwaitingPayment:
		return "awaiting_payment"
	case StatusAwaitingDelivery:
		return "awaiting_delivery"
	case StatusDisputed:
		return "disputed"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Escrow captures the immutable roles and runtime accounting of one escrow
// agreement. The identifier is the keccak256 hash of buyer, seller and a
// caller-supplied nonce, giving deterministic IDs without a counter.
//
// Vote keys are lowercase hex arbiter addresses so the structure round-trips
// through JSON without a custom codec.
type Escrow struct {
	ID              [32]byte        `json:"id"`
	Buyer           [20]byte        `json:"buyer"`
	Seller          [20]byte        `json:"seller"`
	Arbiters        [][20]byte      `json:"arbiters"`
	FeeBps          uint32          `json:"feeBps"`
	SingleDeposit   bool            `json:"singleDeposit"`
	DepositDeadline int64           `json:"depositDeadline"`
	CreatedAt       int64           `json:"createdAt"`
	Status          Status          `json:"status"`
	TotalDeposited  *big.Int        `json:"totalDeposited"`
	LastDeposit     *big.Int        `json:"lastDeposit"`
	CollectedFees   *big.Int        `json:"collectedFees"`
	Votes           map[string]bool `json:"votes,omitempty"`
	VotesForBuyer   uint32          `json:"votesForBuyer"`
	VotesForSeller  uint32          `json:"votesForSeller"`
	FundsReleased   bool            `json:"fundsReleased"`
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Arbiters = make([][20]byte, len(e.Arbiters))
	copy(clone.Arbiters, e.Arbiters)
	clone.TotalDeposited = cloneBigInt(e.TotalDeposited)
	clone.LastDeposit = cloneBigInt(e.LastDeposit)
	clone.CollectedFees = cloneBigInt(e.CollectedFees)
	if e.Votes != nil {
		clone.Votes = make(map[string]bool, len(e.Votes))
		for k, v := range e.Votes {
			clone.Votes[k] = v
		}
	}
	return &clone
}

// ArbiterCount returns the number of arbiter identities registered at
// creation. Duplicates are the creator's responsibility and are not
// collapsed here.
func (e *Escrow) ArbiterCount() int {
	if e == nil {
		return 0
	}
	return len(e.Arbiters)
}

// IsArbiter reports whether addr is one of the registered arbiters.
func (e *Escrow) IsArbiter(addr [20]byte) bool {
	if e == nil {
		return false
	}
	for _, a := range e.Arbiters {
		if a == addr {
			return true
		}
	}
	return false
}

// HasVoted reports whether the arbiter already cast a ballot for the current
// dispute.
func (e *Escrow) HasVoted(addr [20]byte) bool {
	if e == nil || e.Votes == nil {
		return false
	}
	_, ok := e.Votes[voteKey(addr)]
	return ok
}

// CalculateFee returns value * feeBps / 10000 with integer truncation. The
// input is never mutated.
func (e *Escrow) CalculateFee(value *big.Int) *big.Int {
	if e == nil || value == nil {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(value, new(big.Int).SetUint64(uint64(e.FeeBps)))
	return fee.Div(fee, big.NewInt(feeDenominator))
}

func voteKey(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Sanitize validates and normalises the supplied escrow record, returning a
// cloned instance with non-nil amount fields. The original is not mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if len(clone.Arbiters) == 0 {
		return nil, ErrInvalidArbiterSet
	}
	if clone.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d bps", ErrFeeTooHigh, clone.FeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.TotalDeposited.Sign() < 0 || clone.LastDeposit.Sign() < 0 || clone.CollectedFees.Sign() < 0 {
		return nil, fmt.Errorf("escrow amounts must be non-negative")
	}
	return clone, nil
}
