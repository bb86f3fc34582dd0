package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestDepositedEventAttributes(t *testing.T) {
	e := &Escrow{
		ID:             [32]byte{0xAA},
		Buyer:          newTestAddress(0x01),
		Seller:         newTestAddress(0x02),
		Status:         StatusAwaitingDelivery,
		TotalDeposited: big.NewInt(1000),
	}
	evt := NewDepositedEvent(e, big.NewInt(400))
	if evt.Type != EventTypeDeposited {
		t.Fatalf("type = %s", evt.Type)
	}
	if evt.Attributes["value"] != "400" {
		t.Fatalf("value = %s", evt.Attributes["value"])
	}
	if evt.Attributes["totalDeposited"] != "1000" {
		t.Fatalf("totalDeposited = %s", evt.Attributes["totalDeposited"])
	}
	if evt.Attributes["buyer"] != hex.EncodeToString(e.Buyer[:]) {
		t.Fatalf("buyer attribute missing")
	}
	if evt.Attributes["status"] != "awaiting_delivery" {
		t.Fatalf("status = %s", evt.Attributes["status"])
	}
}

func TestReleasedEventOmitsZeroFee(t *testing.T) {
	e := &Escrow{Status: StatusComplete}
	evt := NewReleasedEvent(e, newTestAddress(0x02), big.NewInt(1000), nil)
	if _, ok := evt.Attributes["fee"]; ok {
		t.Fatalf("zero fee must not appear in the release event")
	}
	evt = NewReleasedEvent(e, newTestAddress(0x02), big.NewInt(975), big.NewInt(25))
	if evt.Attributes["fee"] != "25" || evt.Attributes["amount"] != "975" {
		t.Fatalf("release attributes wrong: %v", evt.Attributes)
	}
}

func TestVoteCastEventCarriesTallies(t *testing.T) {
	e := &Escrow{VotesForBuyer: 2, VotesForSeller: 1, Status: StatusDisputed}
	evt := NewVoteCastEvent(e, newTestAddress(0x03), true)
	if evt.Attributes["forBuyer"] != "true" {
		t.Fatalf("forBuyer = %s", evt.Attributes["forBuyer"])
	}
	if evt.Attributes["votesForBuyer"] != "2" || evt.Attributes["votesForSeller"] != "1" {
		t.Fatalf("tallies wrong: %v", evt.Attributes)
	}
}

func TestNilEscrowEventsAreSafe(t *testing.T) {
	if evt := NewCreatedEvent(nil); evt.Type != EventTypeCreated || len(evt.Attributes) != 0 {
		t.Fatalf("nil created event malformed")
	}
	if evt := NewDepositedEvent(nil, nil); evt.Attributes["value"] != "0" {
		t.Fatalf("nil deposit event malformed: %v", evt.Attributes)
	}
	if evt := NewRefundedEvent(nil, nil); evt.Attributes["amount"] != "0" {
		t.Fatalf("nil refund event malformed")
	}
}
