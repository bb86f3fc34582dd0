package escrow

import "errors"

// Sentinel errors returned by the engine. Every failed operation aborts with
// no partial effect; callers distinguish conditions with errors.Is.
var (
	ErrUnauthorized      = errors.New("escrow: caller not authorized for operation")
	ErrInvalidState      = errors.New("escrow: operation not valid in current status")
	ErrDeadlinePassed    = errors.New("escrow: deposit deadline passed")
	ErrDeadlineNotPassed = errors.New("escrow: deposit deadline not yet passed")
	ErrAlreadyVoted      = errors.New("escrow: arbiter already voted")
	ErrNoFeesAvailable   = errors.New("escrow: no collected fees available")
	ErrInvalidArbiterSet = errors.New("escrow: arbiter set must not be empty")
	ErrFeeTooHigh        = errors.New("escrow: fee basis points above maximum")
	ErrTransferFailed    = errors.New("escrow: value transfer failed")
	ErrNotFound          = errors.New("escrow: escrow not found")

	errNilState = errors.New("escrow engine: state not configured")
)
