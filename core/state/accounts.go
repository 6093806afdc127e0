package state

import (
	"fmt"
	"math/big"
	"strings"

	"marketchain/core/types"
)

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	if acc.Stake == nil {
		acc.Stake = big.NewInt(0)
	}
	return acc
}

// GetAccount loads the account for the named identity, returning a zeroed
// account when none has been persisted yet.
func (m *Manager) GetAccount(id string) (*types.Account, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, fmt.Errorf("state: account id required")
	}
	var acc types.Account
	ok, err := m.KVGet(compositeKey(accountPrefix, trimmed), &acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return ensureAccount(nil), nil
	}
	return ensureAccount(&acc), nil
}

// PutAccount persists the full account record for the named identity.
func (m *Manager) PutAccount(id string, acc *types.Account) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("state: account id required")
	}
	return m.KVPut(compositeKey(accountPrefix, trimmed), ensureAccount(acc))
}
