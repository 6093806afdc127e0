package market

import (
	"math/big"
	"strings"
)

// GetTransaction loads one ledger entry by identifier.
func (e *Engine) GetTransaction(id string) (*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	tx, ok, err := e.state.TxGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// GetAllTransactions returns every ledger entry in insertion order.
func (e *Engine) GetAllTransactions() ([]*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.TxIDs()
	if err != nil {
		return nil, err
	}
	return e.resolveIDs(ids)
}

// GetBuyerTransactions returns every purchase opened by the buyer,
// index-backed rather than a ledger scan.
func (e *Engine) GetBuyerTransactions(buyer string) ([]*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.TxBuyerIDs(strings.TrimSpace(buyer))
	if err != nil {
		return nil, err
	}
	return e.resolveIDs(ids)
}

// GetSellerTransactions returns every purchase against the store account.
func (e *Engine) GetSellerTransactions(storeID string) ([]*Transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.TxStoreIDs(strings.TrimSpace(storeID))
	if err != nil {
		return nil, err
	}
	return e.resolveIDs(ids)
}

func (e *Engine) resolveIDs(ids []string) ([]*Transaction, error) {
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		tx, ok, err := e.state.TxGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// GetTransactionCount returns the total number of ledger entries.
func (e *Engine) GetTransactionCount() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return 0, errNilState
	}
	return e.state.TxCount()
}

// CheckContainsStore reports whether the prefix names a provisioned store.
func (e *Engine) CheckContainsStore(prefix string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return false, errNilState
	}
	return e.state.StoreRegistered(strings.TrimSpace(prefix))
}

// GetStoreCost returns the stake required to provision a store.
func (e *Engine) GetStoreCost() (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	return e.storeCost()
}

// GetStoreStats returns the settled-sale aggregates for a store prefix.
func (e *Engine) GetStoreStats(prefix string) (*StoreStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	stats, ok, err := e.state.StoreStatsGet(strings.TrimSpace(prefix))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &StoreStats{Volume: big.NewInt(0)}, nil
	}
	return stats, nil
}

// BalanceOf returns the native balance of a named identity.
func (e *Engine) BalanceOf(id string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	acc, err := e.state.GetAccount(id)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(acc.Balance), nil
}
