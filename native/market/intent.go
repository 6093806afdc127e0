package market

import "math/big"

// IntentKind discriminates the pending continuation attached to an in-flight
// remote call.
type IntentKind uint8

const (
	IntentProvision IntentKind = iota
	IntentBuy
	IntentShip
	IntentReward
)

// Intent captures everything needed to finish an operation once its remote
// call reconciles. It is persisted together with the outgoing call, keyed by
// the correlation identifier, and consumed exactly once by the callback.
type Intent struct {
	Kind IntentKind

	// Provisioning.
	Prefix string
	Owner  string
	Funder string

	// Funds earmarked in the vault pending reconciliation.
	Deposit *big.Int

	// Purchase parameters carried into the buy callback.
	ProductID     string
	StoreID       string
	BuyerID       string
	Quantity      uint32
	TimeoutDays   uint64
	IsDiscount    bool
	IsReward      bool
	IsKeypom      bool
	HashedBilling string
	Nonce         string

	// Lifecycle continuations on an existing ledger entry.
	TxID     string
	ProofRef string
}

// Clone returns a deep copy of the intent.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	clone := *i
	if i.Deposit != nil {
		clone.Deposit = new(big.Int).Set(i.Deposit)
	} else {
		clone.Deposit = big.NewInt(0)
	}
	return &clone
}
