package state

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

func testEscrow() *escrow.Escrow {
	var buyer, seller, arb [20]byte
	buyer[0], seller[0], arb[0] = 1, 2, 3
	return &escrow.Escrow{
		ID:              [32]byte{0xAA},
		Buyer:           buyer,
		Seller:          seller,
		Arbiters:        [][20]byte{arb},
		FeeBps:          250,
		DepositDeadline: 1000,
		TotalDeposited:  big.NewInt(500),
		LastDeposit:     big.NewInt(500),
		CollectedFees:   big.NewInt(0),
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	esc := testEscrow()
	require.NoError(t, m.EscrowPut(esc))

	loaded, ok := m.EscrowGet(esc.ID)
	require.True(t, ok)
	require.Equal(t, esc.Buyer, loaded.Buyer)
	require.Equal(t, esc.Seller, loaded.Seller)
	require.Equal(t, esc.Arbiters, loaded.Arbiters)
	require.Zero(t, esc.TotalDeposited.Cmp(loaded.TotalDeposited))
	require.Equal(t, esc.FeeBps, loaded.FeeBps)

	_, ok = m.EscrowGet([32]byte{0xBB})
	require.False(t, ok)
}

func TestEscrowPutRejectsInvalidRecords(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	esc := testEscrow()
	esc.Arbiters = nil
	require.ErrorIs(t, m.EscrowPut(esc), escrow.ErrInvalidArbiterSet)
}

func TestAccountDefaultsToZeroBalance(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	var addr [20]byte
	addr[0] = 9

	acc, err := m.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, acc.Balance.Sign())

	acc.Balance = big.NewInt(1234)
	require.NoError(t, m.PutAccount(addr, acc))

	loaded, err := m.GetAccount(addr)
	require.NoError(t, err)
	require.Zero(t, loaded.Balance.Cmp(big.NewInt(1234)))
}

func TestPutAccountRejectsNegativeBalance(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	var addr [20]byte
	require.Error(t, m.PutAccount(addr, &types.Account{Balance: big.NewInt(-1)}))
}

func TestVaultCreditDebit(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	id := [32]byte{0x01}

	balance, err := m.EscrowBalance(id)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, m.EscrowCredit(id, big.NewInt(600)))
	require.NoError(t, m.EscrowCredit(id, big.NewInt(400)))

	balance, err = m.EscrowBalance(id)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(1000)))

	require.NoError(t, m.EscrowDebit(id, big.NewInt(1000)))
	require.Error(t, m.EscrowDebit(id, big.NewInt(1)), "vault can never go negative")
}

func TestVaultAddressIsStable(t *testing.T) {
	a := NewManager(storage.NewMemDB()).VaultAddress()
	b := NewManager(storage.NewMemDB()).VaultAddress()
	require.Equal(t, a, b)
	require.NotEqual(t, [20]byte{}, a)
}

func TestManagerBacksEngine(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	eng := escrow.NewEngine()
	eng.SetState(m)
	eng.SetNowFunc(func() int64 { return 100 })

	var buyer, seller, arb [20]byte
	buyer[0], seller[0], arb[0] = 1, 2, 3
	require.NoError(t, m.PutAccount(buyer, &types.Account{Balance: big.NewInt(10_000)}))

	esc, err := eng.Create(buyer, seller, [][20]byte{arb}, time.Hour, 0, false, [32]byte{0x01})
	require.NoError(t, err)
	require.NoError(t, eng.Deposit(esc.ID, buyer, big.NewInt(600)))
	require.NoError(t, eng.Deposit(esc.ID, buyer, big.NewInt(400)))
	require.NoError(t, eng.ConfirmDelivery(esc.ID, buyer))

	sellerAcc, err := m.GetAccount(seller)
	require.NoError(t, err)
	require.Zero(t, sellerAcc.Balance.Cmp(big.NewInt(1000)))

	loaded, ok := m.EscrowGet(esc.ID)
	require.True(t, ok)
	require.Equal(t, escrow.StatusComplete, loaded.Status)
	require.True(t, loaded.FundsReleased)

	vault, err := m.EscrowBalance(esc.ID)
	require.NoError(t, err)
	require.Zero(t, vault.Sign())
}
