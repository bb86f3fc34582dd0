package escrow

import (
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/events"
	"escrowd/core/types"
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	VaultAddress() [20]byte
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
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

// Engine wires the escrow transition logic with external state and event
// emitters. The host environment is expected to serialize calls per escrow
// instance; the engine itself holds no locks.
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

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deadline checks. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
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

// ComputeID derives the deterministic escrow identifier for the given
// parties and nonce.
func ComputeID(buyer, seller [20]byte, nonce [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(buyer[:], seller[:], nonce[:])
}

func (e *Engine) loadEscrow(id [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// transfer moves value between two ledger accounts. The move is all or
// nothing: the debit is only persisted together with the matching credit.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrTransferFailed)
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	fromAcc = fromAcc.Normalize()
	toAcc = toAcc.Normalize()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.PutAccount(to, toAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// Create initialises and persists a new escrow instance. Roles, fee and
// deadline are immutable afterwards. Creation is idempotent for identical
// redefinitions of the same identifier.
func (e *Engine) Create(buyer, seller [20]byte, arbiters [][20]byte, timeout time.Duration, feeBps uint32, singleDeposit bool, nonce [32]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if len(arbiters) == 0 {
		return nil, ErrInvalidArbiterSet
	}
	if feeBps > MaxFeeBps {
		return nil, fmt.Errorf("%w: %d bps", ErrFeeTooHigh, feeBps)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("escrow: timeout must not be negative")
	}
	now := e.now()
	id := ComputeID(buyer, seller, nonce)
	if existing, ok := e.state.EscrowGet(id); ok {
		if existing.Buyer != buyer || existing.Seller != seller ||
			existing.FeeBps != feeBps || existing.SingleDeposit != singleDeposit ||
			!sameArbiters(existing.Arbiters, arbiters) {
			return nil, fmt.Errorf("escrow: identifier already exists with different definition")
		}
		return existing.Clone(), nil
	}
	members := make([][20]byte, len(arbiters))
	copy(members, arbiters)
	esc := &Escrow{
		ID:              id,
		Buyer:           buyer,
		Seller:          seller,
		Arbiters:        members,
		FeeBps:          feeBps,
		SingleDeposit:   singleDeposit,
		CreatedAt:       now,
		DepositDeadline: now + int64(timeout/time.Second),
		Status:          StatusAwaitingPayment,
		TotalDeposited:  big.NewInt(0),
		LastDeposit:     big.NewInt(0),
		CollectedFees:   big.NewInt(0),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Get returns a deep copy of the stored escrow instance.
func (e *Engine) Get(id [32]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Deposit moves value from the buyer into the escrow vault. The first
// accepted deposit transitions the instance to AwaitingDelivery; in
// multi-deposit mode later deposits accumulate until the deadline.
func (e *Engine) Deposit(id [32]byte, caller [20]byte, value *big.Int) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only the buyer may deposit", ErrUnauthorized)
	}
	if e.now() > esc.DepositDeadline {
		return ErrDeadlinePassed
	}
	if esc.Status != StatusAwaitingPayment && esc.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot deposit in status %s", ErrInvalidState, esc.Status)
	}
	if esc.SingleDeposit && esc.TotalDeposited.Sign() > 0 {
		return fmt.Errorf("%w: escrow already funded", ErrInvalidState)
	}
	amt := cloneBigInt(value)
	if amt.Sign() <= 0 {
		return fmt.Errorf("escrow: deposit must be positive")
	}
	if err := e.transfer(esc.Buyer, e.state.VaultAddress(), amt); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, amt); err != nil {
		return err
	}
	esc.LastDeposit = amt
	esc.TotalDeposited = new(big.Int).Add(esc.TotalDeposited, amt)
	if esc.Status == StatusAwaitingPayment {
		esc.Status = StatusAwaitingDelivery
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(esc, amt))
	return nil
}

// ConfirmDelivery releases the full held principal to the seller. Only the
// buyer may confirm, and only while delivery is pending.
func (e *Engine) ConfirmDelivery(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only the buyer may confirm delivery", ErrUnauthorized)
	}
	if esc.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot confirm in status %s", ErrInvalidState, esc.Status)
	}
	amount := cloneBigInt(esc.TotalDeposited)
	if err := e.transfer(e.state.VaultAddress(), esc.Seller, amount); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(id, amount); err != nil {
		return err
	}
	esc.Status = StatusComplete
	esc.FundsReleased = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(esc, esc.Seller, amount, nil))
	return nil
}

// RaiseDispute flags the escrow as disputed. Only the buyer or seller may
// dispute, and only while delivery is pending. No funds move.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return fmt.Errorf("%w: only buyer or seller may dispute", ErrUnauthorized)
	}
	if esc.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidState, esc.Status)
	}
	esc.Status = StatusDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(esc, caller))
	return nil
}

// VoteOnDispute records an arbiter ballot. The call that produces a strict
// majority (> half of the registered arbiters) settles the dispute in the
// same invocation: the arbitration fee is withheld into the collected pool
// and the net principal moves to the winning party. An exact even split
// never auto-resolves; the dispute stays open until a strict majority forms.
func (e *Engine) VoteOnDispute(id [32]byte, caller [20]byte, forBuyer bool) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.IsArbiter(caller) {
		return fmt.Errorf("%w: only an arbiter may vote", ErrUnauthorized)
	}
	if esc.Status != StatusDisputed {
		return fmt.Errorf("%w: cannot vote in status %s", ErrInvalidState, esc.Status)
	}
	if esc.HasVoted(caller) {
		return ErrAlreadyVoted
	}
	if esc.Votes == nil {
		esc.Votes = make(map[string]bool)
	}
	esc.Votes[voteKey(caller)] = forBuyer
	if forBuyer {
		esc.VotesForBuyer++
	} else {
		esc.VotesForSeller++
	}

	majority := uint32(esc.ArbiterCount() / 2)
	var winner [20]byte
	decided := false
	switch {
	case esc.VotesForBuyer > majority:
		winner, decided = esc.Buyer, true
	case esc.VotesForSeller > majority:
		winner, decided = esc.Seller, true
	}
	if !decided {
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(NewVoteCastEvent(esc, caller, forBuyer))
		return nil
	}

	total := cloneBigInt(esc.TotalDeposited)
	fee := esc.CalculateFee(total)
	net := new(big.Int).Sub(total, fee)
	if err := e.transfer(e.state.VaultAddress(), winner, net); err != nil {
		return err
	}
	// The fee stays in the vault until an arbiter withdraws it.
	if err := e.state.EscrowDebit(id, net); err != nil {
		return err
	}
	esc.CollectedFees = new(big.Int).Add(esc.CollectedFees, fee)
	esc.Status = StatusComplete
	esc.FundsReleased = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewVoteCastEvent(esc, caller, forBuyer))
	e.emit(NewReleasedEvent(esc, winner, net, fee))
	return nil
}

// ResolveDispute settles a dispute through a single trusted arbiter. It is
// the unanimity-of-one case of the voting path and is only valid when
// exactly one arbiter is registered. The caller must itself be the arbiter;
// parties and strangers are rejected before any funds move.
func (e *Engine) ResolveDispute(id [32]byte, caller [20]byte, payBuyer bool) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.ArbiterCount() != 1 {
		return fmt.Errorf("%w: direct resolution requires a single arbiter", ErrInvalidState)
	}
	if !esc.IsArbiter(caller) {
		return fmt.Errorf("%w: only the arbiter may resolve", ErrUnauthorized)
	}
	return e.VoteOnDispute(id, caller, payBuyer)
}

// WithdrawFees pays the calling arbiter its integer share of the collected
// fee pool, then zeroes the whole pool. The first withdrawal therefore
// forfeits the other arbiters' shares and any division remainder; see the
// package documentation for the per-arbiter claim redesign that would fix
// this. Fee accounting is orthogonal to the lifecycle status, so withdrawal
// stays callable after completion.
func (e *Engine) WithdrawFees(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if !esc.IsArbiter(caller) {
		return fmt.Errorf("%w: only an arbiter may withdraw fees", ErrUnauthorized)
	}
	if esc.CollectedFees.Sign() <= 0 {
		return ErrNoFeesAvailable
	}
	share := new(big.Int).Div(esc.CollectedFees, big.NewInt(int64(esc.ArbiterCount())))
	if share.Sign() > 0 {
		if err := e.transfer(e.state.VaultAddress(), caller, share); err != nil {
			return err
		}
		if err := e.state.EscrowDebit(id, share); err != nil {
			return err
		}
	}
	esc.CollectedFees = big.NewInt(0)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewFeesWithdrawnEvent(esc, caller, share))
	return nil
}

// RefundIfTimeout returns the full held principal to the buyer once the
// deposit deadline has elapsed without delivery confirmation.
func (e *Engine) RefundIfTimeout(id [32]byte, caller [20]byte) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only the buyer may claim a timeout refund", ErrUnauthorized)
	}
	if e.now() <= esc.DepositDeadline {
		return ErrDeadlineNotPassed
	}
	if esc.Status != StatusAwaitingDelivery {
		return fmt.Errorf("%w: cannot refund in status %s", ErrInvalidState, esc.Status)
	}
	amount := cloneBigInt(esc.TotalDeposited)
	if err := e.transfer(e.state.VaultAddress(), esc.Buyer, amount); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(id, amount); err != nil {
		return err
	}
	esc.Status = StatusComplete
	esc.FundsReleased = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(esc, amount))
	return nil
}

func sameArbiters(a, b [][20]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
