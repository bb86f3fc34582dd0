package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

const (
	escrowPrefix  = "escrow/"
	accountPrefix = "account/"
	vaultPrefix   = "vault/"
)

// vaultAddress is the module account holding every escrow's principal. It is
// derived from a fixed label so no private key can ever spend from it.
var vaultAddress = deriveVaultAddress()

func deriveVaultAddress() [20]byte {
	var addr [20]byte
	hash := ethcrypto.Keccak256([]byte("escrowd/vault"))
	copy(addr[:], hash[12:])
	return addr
}

// Manager persists escrow instances, ledger accounts and per-escrow vault
// balances in a key-value database. It implements the state interface the
// escrow engine expects. Records are JSON encoded; the database decides
// durability.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func escrowKey(id [32]byte) []byte {
	return []byte(escrowPrefix + hex.EncodeToString(id[:]))
}

func accountKey(addr [20]byte) []byte {
	return []byte(accountPrefix + hex.EncodeToString(addr[:]))
}

func vaultKey(id [32]byte) []byte {
	return []byte(vaultPrefix + hex.EncodeToString(id[:]))
}

// VaultAddress returns the module account that holds escrowed value.
func (m *Manager) VaultAddress() [20]byte { return vaultAddress }

// EscrowPut sanitizes and stores the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.Sanitize(e)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sanitized)
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(sanitized.ID), raw)
}

// EscrowGet loads the escrow record for the identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	raw, err := m.db.Get(escrowKey(id))
	if err != nil {
		return nil, false
	}
	var e escrow.Escrow
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// GetAccount loads the ledger account for the address, returning a zero
// balance account when none is stored yet.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	raw, err := m.db.Get(accountKey(addr))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return &types.Account{Balance: big.NewInt(0)}, nil
		}
		return nil, err
	}
	var acc types.Account
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, err
	}
	return acc.Normalize(), nil
}

// PutAccount stores the ledger account for the address.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	acc := account.Normalize()
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must not be negative")
	}
	raw, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), raw)
}

// EscrowCredit increases the vault balance attributed to the escrow.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	return m.putVaultBalance(id, new(big.Int).Add(current, amt))
}

// EscrowDebit decreases the vault balance attributed to the escrow. The
// balance can never go negative: the engine releases value in single atomic
// steps covered by prior credits.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: debit amount must be non-negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	current, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("state: escrow vault balance insufficient")
	}
	return m.putVaultBalance(id, new(big.Int).Sub(current, amt))
}

// EscrowBalance returns the vault balance attributed to the escrow.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	raw, err := m.db.Get(vaultKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt vault balance for %x", id)
	}
	return balance, nil
}

func (m *Manager) putVaultBalance(id [32]byte, balance *big.Int) error {
	return m.db.Put(vaultKey(id), []byte(balance.String()))
}
