// Package escrow implements the state machine and fund accounting for a
// buyer/seller escrow agreement supervised by one or more arbiters.
//
// An instance moves forward only: AwaitingPayment -> AwaitingDelivery ->
// {Complete | Disputed}, Disputed -> Complete. Deposits are accepted until
// the deposit deadline; disputes are settled by a strict majority of arbiter
// ballots, with the single-arbiter path being the unanimity-of-one case.
// Arbitration withholds a basis-point fee of the principal into a shared
// pool claimable by arbiters.
//
// Known limitation: WithdrawFees pays the caller one integer share and then
// zeroes the entire pool, so the remaining arbiters forfeit their shares and
// the division remainder is never distributed. A per-arbiter claim table is
// the recommended redesign.
package escrow
