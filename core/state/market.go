package state

import (
	"fmt"
	"math/big"
	"strings"

	"marketchain/native/market"
)

// --- Store registry ---

// StoreRegister adds the prefix to the registry. Membership only ever changes
// inside a confirmed provisioning callback, so no partial registration is
// observable externally.
func (m *Manager) StoreRegister(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return fmt.Errorf("state: store prefix required")
	}
	return m.KVPut(compositeKey(storeSetPrefix, trimmed), true)
}

// StoreRegistered reports whether the prefix belongs to a provisioned store.
func (m *Manager) StoreRegistered(prefix string) (bool, error) {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return false, nil
	}
	return m.KVHas(compositeKey(storeSetPrefix, trimmed))
}

// StoreStatsGet loads the aggregate sales statistics for a store.
func (m *Manager) StoreStatsGet(prefix string) (*market.StoreStats, bool, error) {
	var stats market.StoreStats
	ok, err := m.KVGet(compositeKey(storeStatsPrefix, strings.TrimSpace(prefix)), &stats)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return stats.Clone(), true, nil
}

// StoreStatsRecordSale bumps the store's settled-sale aggregates.
func (m *Manager) StoreStatsRecordSale(prefix string, amount *big.Int) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return fmt.Errorf("state: store prefix required")
	}
	stats, ok, err := m.StoreStatsGet(trimmed)
	if err != nil {
		return err
	}
	if !ok {
		stats = &market.StoreStats{Volume: big.NewInt(0)}
	}
	stats.Sales++
	if amount != nil {
		stats.Volume = new(big.Int).Add(stats.Volume, amount)
	}
	return m.KVPut(compositeKey(storeStatsPrefix, trimmed), stats)
}

// --- Factory parameters ---

// StoreCost returns the configured provisioning stake, or nil when unset.
func (m *Manager) StoreCost() (*big.Int, error) {
	var cost big.Int
	ok, err := m.KVGet(storeCostKey, &cost)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &cost, nil
}

// SetStoreCost persists the provisioning stake requirement.
func (m *Manager) SetStoreCost(cost *big.Int) error {
	if cost == nil || cost.Sign() <= 0 {
		return fmt.Errorf("state: store cost must be positive")
	}
	return m.KVPut(storeCostKey, cost)
}

// --- Transaction ledger ---

// TxPut stores the full transaction record, replacing any previous version.
// First-time inserts also register the record in the global, per-buyer and
// per-seller indexes.
func (m *Manager) TxPut(tx *market.Transaction) error {
	sanitized, err := market.SanitizeTransaction(tx)
	if err != nil {
		return err
	}
	key := compositeKey(txRecordPrefix, sanitized.ID)
	exists, err := m.KVHas(key)
	if err != nil {
		return err
	}
	if err := m.KVPut(key, sanitized); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.KVAppendString(txListKeyBytes, sanitized.ID); err != nil {
		return err
	}
	if err := m.KVAppendString(compositeKey(txBuyerPrefix, sanitized.BuyerID), sanitized.ID); err != nil {
		return err
	}
	return m.KVAppendString(compositeKey(txStorePrefix, sanitized.StoreID), sanitized.ID)
}

// TxGet loads one transaction by identifier.
func (m *Manager) TxGet(id string) (*market.Transaction, bool, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, false, fmt.Errorf("state: transaction id required")
	}
	var tx market.Transaction
	ok, err := m.KVGet(compositeKey(txRecordPrefix, trimmed), &tx)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return tx.Clone(), true, nil
}

// TxIDs returns every transaction identifier in insertion order.
func (m *Manager) TxIDs() ([]string, error) {
	return m.KVGetStringList(txListKeyBytes)
}

// TxCount returns the total number of ledger entries.
func (m *Manager) TxCount() (uint64, error) {
	ids, err := m.TxIDs()
	if err != nil {
		return 0, err
	}
	return uint64(len(ids)), nil
}

// TxBuyerIDs returns the identifiers of every transaction opened by the buyer.
func (m *Manager) TxBuyerIDs(buyer string) ([]string, error) {
	return m.KVGetStringList(compositeKey(txBuyerPrefix, strings.TrimSpace(buyer)))
}

// TxStoreIDs returns the identifiers of every transaction against the store.
func (m *Manager) TxStoreIDs(store string) ([]string, error) {
	return m.KVGetStringList(compositeKey(txStorePrefix, strings.TrimSpace(store)))
}

// TxOpenGet resolves the open-transaction index for the buy guard. The miss
// case is an explicit (id, false) result, never an in-band sentinel.
func (m *Manager) TxOpenGet(product, store, buyer string) (string, bool, error) {
	var id string
	ok, err := m.KVGet(compositeKey(txOpenPrefix, product, store, buyer), &id)
	if err != nil {
		return "", false, err
	}
	return id, ok, nil
}

// TxOpenSet records the transaction as the open escrow for the triple.
func (m *Manager) TxOpenSet(product, store, buyer, id string) error {
	return m.KVPut(compositeKey(txOpenPrefix, product, store, buyer), id)
}

// TxOpenClear releases the triple once the transaction reaches a terminal
// outcome.
func (m *Manager) TxOpenClear(product, store, buyer string) error {
	return m.KVDelete(compositeKey(txOpenPrefix, product, store, buyer))
}

// --- Pending intents ---

// IntentPut persists the continuation data for an in-flight remote call
// keyed by its correlation identifier.
func (m *Manager) IntentPut(id string, intent *market.Intent) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("state: intent id required")
	}
	if intent == nil {
		return fmt.Errorf("state: nil intent")
	}
	return m.KVPut(compositeKey(intentPrefix, trimmed), intent)
}

// IntentGet loads the continuation data for a correlation identifier.
func (m *Manager) IntentGet(id string) (*market.Intent, bool, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, false, fmt.Errorf("state: intent id required")
	}
	var intent market.Intent
	ok, err := m.KVGet(compositeKey(intentPrefix, trimmed), &intent)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return intent.Clone(), true, nil
}

// IntentDelete consumes the intent once its result slot has been read.
func (m *Manager) IntentDelete(id string) error {
	return m.KVDelete(compositeKey(intentPrefix, strings.TrimSpace(id)))
}
