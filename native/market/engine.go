package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchain/core/dispatch"
	"marketchain/core/events"
	"marketchain/core/types"
)

var (
	errNilState      = errors.New("market engine: state not configured")
	errNilDispatcher = errors.New("market engine: dispatcher not configured")

	// ErrStoreExists rejects provisioning a prefix that is already registered.
	ErrStoreExists = errors.New("market: store already exists")
	// ErrReservedPrefix rejects platform-level namespace prefixes.
	ErrReservedPrefix = errors.New("market: reserved store prefix")
	// ErrStoreNotFound rejects purchases against unregistered stores.
	ErrStoreNotFound = errors.New("market: store not found")
	// ErrInsufficientStake rejects provisioning below the configured cost.
	ErrInsufficientStake = errors.New("market: attached deposit below store cost")
	// ErrOpenTransaction rejects a second escrow on an open triple.
	ErrOpenTransaction = errors.New("market: open transaction exists for product, store and buyer")
	// ErrTransactionNotFound is the explicit miss outcome for ledger lookups.
	ErrTransactionNotFound = errors.New("market: transaction not found")
	// ErrUnauthorized rejects lifecycle calls from the wrong identity.
	ErrUnauthorized = errors.New("market: unauthorized caller")
	// ErrInvalidStatus rejects transitions outside the lifecycle graph.
	ErrInvalidStatus = errors.New("market: invalid status for operation")
	// ErrRefundNotDue rejects refunds before the timeout deadline.
	ErrRefundNotDue = errors.New("market: refund timeout has not elapsed")
	// ErrInsufficientFunds rejects deposits exceeding the caller's balance.
	ErrInsufficientFunds = errors.New("market: insufficient balance")
)

// Store sub-program entry points called by the factory. The response schema of
// each is a contract: mismatches are protocol violations, not business
// failures.
const (
	methodStoreInit       = "new"
	methodStorePurchase   = "store_purchase_product"
	methodStoreOwnerCheck = "check_store_owner"
	methodStoreReward     = "store_send_reward"
)

type engineState interface {
	StoreRegister(prefix string) error
	StoreRegistered(prefix string) (bool, error)
	StoreStatsGet(prefix string) (*StoreStats, bool, error)
	StoreStatsRecordSale(prefix string, amount *big.Int) error
	StoreCost() (*big.Int, error)
	TxPut(*Transaction) error
	TxGet(id string) (*Transaction, bool, error)
	TxIDs() ([]string, error)
	TxCount() (uint64, error)
	TxBuyerIDs(buyer string) ([]string, error)
	TxStoreIDs(store string) ([]string, error)
	TxOpenGet(product, store, buyer string) (string, bool, error)
	TxOpenSet(product, store, buyer, id string) error
	TxOpenClear(product, store, buyer string) error
	IntentPut(id string, intent *Intent) error
	IntentGet(id string) (*Intent, bool, error)
	IntentDelete(id string) error
	GetAccount(id string) (*types.Account, error)
	PutAccount(id string, acc *types.Account) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// DefaultStoreCost is the stake required to provision a store when no value
// has been configured: 10 units of native currency at 24 decimals.
var DefaultStoreCost, _ = new(big.Int).SetString("10000000000000000000000000", 10)

// Engine wires the escrow factory's business logic with durable state, the
// asynchronous dispatcher and event emission. All entry points and callbacks
// run under one mutex, preserving the platform's single-writer execution
// model: between a submitted chain and its callback the committed state is
// fully visible to other callers.
type Engine struct {
	mu sync.Mutex

	state      engineState
	dispatcher dispatch.Dispatcher
	emitter    events.Emitter
	logger     *slog.Logger

	factoryAccount string
	feeTreasury    string
	storeCode      []byte
	reserved       map[string]struct{}

	nowFn func() int64
	idFn  func() string
}

// NewEngine creates a factory engine with a no-op emitter and wall-clock time
// source. Callers configure collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		logger:         slog.Default(),
		factoryAccount: "market",
		reserved:       map[string]struct{}{"market": {}, "factory": {}},
		nowFn:          func() int64 { return time.Now().Unix() },
		idFn:           uuid.NewString,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetDispatcher configures the remote-call scheduler.
func (e *Engine) SetDispatcher(d dispatch.Dispatcher) { e.dispatcher = d }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the structured logger used for callback diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetFactoryAccount configures the factory's own account identity. Store
// sub-accounts are provisioned beneath it and the vault custody lives on it.
func (e *Engine) SetFactoryAccount(id string) {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		e.factoryAccount = trimmed
	}
}

// SetFeeTreasury configures the identity receiving the platform fee.
func (e *Engine) SetFeeTreasury(id string) { e.feeTreasury = strings.TrimSpace(id) }

// SetStoreCode configures the program code deployed to new store accounts.
func (e *Engine) SetStoreCode(code []byte) { e.storeCode = append([]byte(nil), code...) }

// SetReservedPrefixes overrides the reserved namespace list.
func (e *Engine) SetReservedPrefixes(prefixes []string) {
	reserved := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			reserved[trimmed] = struct{}{}
		}
	}
	e.reserved = reserved
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides transaction identifier assignment. Primarily intended
// for tests.
func (e *Engine) SetIDFunc(fn func() string) {
	if fn == nil {
		e.idFn = uuid.NewString
		return
	}
	e.idFn = fn
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// vaultAccount is where escrowed deposits are custodied: the factory's own
// balance, not a per-escrow account.
func (e *Engine) vaultAccount() string { return e.factoryAccount }

// storeAccount returns the sub-account identity for a prefix.
func (e *Engine) storeAccount(prefix string) string {
	return prefix + "." + e.factoryAccount
}

// storePrefix extracts the registry prefix from a store account identity.
func (e *Engine) storePrefix(storeID string) (string, bool) {
	suffix := "." + e.factoryAccount
	if !strings.HasSuffix(storeID, suffix) {
		return "", false
	}
	prefix := strings.TrimSuffix(storeID, suffix)
	if prefix == "" || strings.Contains(prefix, ".") {
		return "", false
	}
	return prefix, true
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) transfer(from, to string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to, toAcc)
}

func (e *Engine) storeCost() (*big.Int, error) {
	cost, err := e.state.StoreCost()
	if err != nil {
		return nil, err
	}
	if cost == nil {
		return cloneBigInt(DefaultStoreCost), nil
	}
	return cost, nil
}

// loadTransaction resolves a lifecycle lookup by the composite key
// (transaction_id, store_id, buyer_id). A miss is an explicit error.
func (e *Engine) loadTransaction(txID, storeID, buyerID string) (*Transaction, error) {
	tx, ok, err := e.state.TxGet(txID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if tx.StoreID != storeID {
		return nil, fmt.Errorf("%w: store mismatch", ErrTransactionNotFound)
	}
	if buyerID != "" && tx.BuyerID != buyerID {
		return nil, fmt.Errorf("%w: buyer mismatch", ErrTransactionNotFound)
	}
	return tx, nil
}

// consumeIntent reads the single result slot for a correlation identifier.
// A missing slot means the result was already consumed or never issued; that
// is a misuse of the asynchronous primitive and fails loudly.
func (e *Engine) consumeIntent(id string, want IntentKind) (*Intent, error) {
	intent, ok, err := e.state.IntentGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("market: no pending result slot for %s", id)
	}
	if intent.Kind != want {
		return nil, fmt.Errorf("market: result slot %s has kind %d, want %d", id, intent.Kind, want)
	}
	if err := e.state.IntentDelete(id); err != nil {
		return nil, err
	}
	return intent, nil
}

type purchaseArgs struct {
	ProductID       string `json:"productId"`
	BuyerAccountID  string `json:"buyerAccountId"`
	AttachedDeposit string `json:"attachedDeposit"`
	Quantity        uint32 `json:"quantity"`
	IsDiscount      bool   `json:"isDiscount"`
}

// BuyParams carries the buyer-supplied terms of a purchase.
type BuyParams struct {
	BuyerID       string
	ProductID     string
	StoreID       string
	Quantity      uint32
	TimeoutDays   uint64
	IsDiscount    bool
	IsReward      bool
	IsKeypom      bool
	HashedBilling string
	Nonce         string
	Deposit       *big.Int
}

// Buy validates the purchase, earmarks the buyer's deposit in the vault and
// issues the store's purchase-intake call. The ledger entry is only written by
// the callback once the store confirms the sale; until then no transaction
// exists and resubmission after a failure is safe.
func (e *Engine) Buy(p BuyParams) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", errNilState
	}
	if e.dispatcher == nil {
		return "", errNilDispatcher
	}
	buyer := strings.TrimSpace(p.BuyerID)
	product := strings.TrimSpace(p.ProductID)
	storeID := strings.TrimSpace(p.StoreID)
	if buyer == "" || product == "" || storeID == "" {
		return "", fmt.Errorf("market: buyer, product and store are required")
	}
	if p.Quantity == 0 {
		return "", fmt.Errorf("market: quantity must be positive")
	}
	if p.TimeoutDays > MaxTimeoutDays {
		return "", fmt.Errorf("market: timeout days must not exceed %d", MaxTimeoutDays)
	}
	deposit := cloneBigInt(p.Deposit)
	if deposit.Sign() <= 0 {
		return "", fmt.Errorf("market: attached deposit must be positive")
	}
	prefix, ok := e.storePrefix(storeID)
	if !ok {
		return "", ErrStoreNotFound
	}
	registered, err := e.state.StoreRegistered(prefix)
	if err != nil {
		return "", err
	}
	if !registered {
		return "", ErrStoreNotFound
	}
	if err := e.assertNoOpenTransaction(product, storeID, buyer); err != nil {
		return "", err
	}
	// Earmark the deposit. On any later failure the callback returns it.
	if err := e.transfer(buyer, e.vaultAccount(), deposit); err != nil {
		return "", err
	}
	args, err := json.Marshal(purchaseArgs{
		ProductID:       product,
		BuyerAccountID:  buyer,
		AttachedDeposit: deposit.String(),
		Quantity:        p.Quantity,
		IsDiscount:      p.IsDiscount,
	})
	if err != nil {
		return "", err
	}
	chain := dispatch.NewChain(storeID).Call(methodStorePurchase, args).Build()
	id, err := e.dispatcher.Submit(chain, e.onBuyResult)
	if err != nil {
		// The chain never left: undo the earmark synchronously.
		if undoErr := e.transfer(e.vaultAccount(), buyer, deposit); undoErr != nil {
			e.logger.Error("failed to undo buy earmark", "buyer", buyer, "err", undoErr)
		}
		return "", err
	}
	// The callback serializes behind the mutex held here, so the intent is
	// always durable before the result slot can be read.
	intent := &Intent{
		Kind:          IntentBuy,
		Deposit:       deposit,
		ProductID:     product,
		StoreID:       storeID,
		BuyerID:       buyer,
		Quantity:      p.Quantity,
		TimeoutDays:   p.TimeoutDays,
		IsDiscount:    p.IsDiscount,
		IsReward:      p.IsReward,
		IsKeypom:      p.IsKeypom,
		HashedBilling: strings.TrimSpace(p.HashedBilling),
		Nonce:         strings.TrimSpace(p.Nonce),
	}
	if err := e.state.IntentPut(id, intent); err != nil {
		// The chain is in flight but its result slot was never written: the
		// callback will fail loudly and commit nothing, so return the deposit
		// now instead of stranding it in the vault.
		if undoErr := e.transfer(e.vaultAccount(), buyer, deposit); undoErr != nil {
			e.logger.Error("failed to return deposit after intent write failure", "buyer", buyer, "err", undoErr)
		}
		return "", err
	}
	return id, nil
}

func (e *Engine) assertNoOpenTransaction(product, storeID, buyer string) error {
	openID, found, err := e.state.TxOpenGet(product, storeID, buyer)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	tx, ok, err := e.state.TxGet(openID)
	if err != nil {
		return err
	}
	if ok && tx.Status.Open() {
		return ErrOpenTransaction
	}
	// Stale index entry left behind by a terminal transition; clear it.
	return e.state.TxOpenClear(product, storeID, buyer)
}

func (e *Engine) onBuyResult(id string, out dispatch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.handleBuyResult(id, out); err != nil {
		e.logger.Error("buy callback failed", "id", id, "err", err)
	}
}

func (e *Engine) handleBuyResult(id string, out dispatch.Outcome) error {
	if e.state == nil {
		return errNilState
	}
	intent, err := e.consumeIntent(id, IntentBuy)
	if err != nil {
		return err
	}
	if !out.Ok {
		// Remote failure: return the earmarked deposit, write nothing.
		if err := e.transfer(e.vaultAccount(), intent.BuyerID, intent.Deposit); err != nil {
			return fmt.Errorf("market: refund after failed purchase: %w", err)
		}
		e.logger.Info("purchase failed, funds returned",
			"product", intent.ProductID, "store", intent.StoreID, "buyer", intent.BuyerID)
		e.emit(NewPurchaseFailedEvent(intent.ProductID, intent.StoreID, intent.BuyerID, out.Err))
		return nil
	}
	terms, err := ParseSaleTerms(out.Payload)
	if err != nil {
		// Protocol violation: the store may have acted, so the deposit is
		// deliberately left in the vault for operator reconciliation rather
		// than auto-refunded. No ledger entry is written.
		return fmt.Errorf("market: protocol violation in purchase response: %w", err)
	}
	// Re-check the triple: a sibling buy submitted during the same suspension
	// window may have committed first. Committing here too would orphan one
	// open-index entry, so the loser reconciles like a remote failure.
	if err := e.assertNoOpenTransaction(intent.ProductID, intent.StoreID, intent.BuyerID); err != nil {
		if !errors.Is(err, ErrOpenTransaction) {
			return err
		}
		if err := e.transfer(e.vaultAccount(), intent.BuyerID, intent.Deposit); err != nil {
			return fmt.Errorf("market: refund after concurrent escrow: %w", err)
		}
		e.logger.Info("concurrent escrow committed first, funds returned",
			"product", intent.ProductID, "store", intent.StoreID, "buyer", intent.BuyerID)
		e.emit(NewPurchaseFailedEvent(intent.ProductID, intent.StoreID, intent.BuyerID, ErrOpenTransaction.Error()))
		return nil
	}
	tx := &Transaction{
		ID:               e.idFn(),
		ProductID:        intent.ProductID,
		StoreID:          intent.StoreID,
		BuyerID:          intent.BuyerID,
		ValueLocked:      cloneBigInt(intent.Deposit),
		Price:            cloneBigInt(terms.Price),
		TokenID:          terms.TokenID,
		Quantity:         intent.Quantity,
		TimeoutDays:      intent.TimeoutDays,
		Affiliate:        terms.Affiliate,
		AffiliateID:      terms.AffiliateID,
		AffiliatePercent: terms.AffiliatePercent,
		IsDiscount:       intent.IsDiscount,
		IsReward:         intent.IsReward,
		IsKeypom:         intent.IsKeypom,
		HashedBilling:    intent.HashedBilling,
		Nonce:            intent.Nonce,
		Status:           StatusApproved,
		TimeCreated:      uint64(e.now()),
	}
	if err := e.state.TxPut(tx); err != nil {
		return err
	}
	if err := e.state.TxOpenSet(tx.ProductID, tx.StoreID, tx.BuyerID, tx.ID); err != nil {
		return err
	}
	e.emit(NewPurchaseApprovedEvent(tx))
	return nil
}

type ownerCheckArgs struct {
	AccountID string `json:"accountId"`
}

// MarkShipped lets the seller attach shipment proof to an Approved purchase.
// The caller's ownership of the store is asserted remotely; the status change
// is committed by the callback only when the store confirms it.
func (e *Engine) MarkShipped(txID, buyerID, storeID, caller, proofRef string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", errNilState
	}
	if e.dispatcher == nil {
		return "", errNilDispatcher
	}
	tx, err := e.loadTransaction(txID, storeID, buyerID)
	if err != nil {
		return "", err
	}
	if tx.Status != StatusApproved {
		return "", fmt.Errorf("%w: cannot ship in status %s", ErrInvalidStatus, tx.Status)
	}
	if strings.TrimSpace(proofRef) == "" {
		return "", fmt.Errorf("market: shipment proof reference required")
	}
	args, err := json.Marshal(ownerCheckArgs{AccountID: strings.TrimSpace(caller)})
	if err != nil {
		return "", err
	}
	chain := dispatch.NewChain(storeID).Call(methodStoreOwnerCheck, args).Build()
	id, err := e.dispatcher.Submit(chain, e.onShipResult)
	if err != nil {
		return "", err
	}
	intent := &Intent{
		Kind:     IntentShip,
		TxID:     tx.ID,
		StoreID:  storeID,
		BuyerID:  buyerID,
		ProofRef: strings.TrimSpace(proofRef),
	}
	if err := e.state.IntentPut(id, intent); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) onShipResult(id string, out dispatch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.handleShipResult(id, out); err != nil {
		e.logger.Error("mark_shipped callback failed", "id", id, "err", err)
	}
}

func (e *Engine) handleShipResult(id string, out dispatch.Outcome) error {
	if e.state == nil {
		return errNilState
	}
	intent, err := e.consumeIntent(id, IntentShip)
	if err != nil {
		return err
	}
	if !out.Ok {
		// No funds moved for this call; the seller simply retries.
		e.logger.Info("ownership check failed", "tx", intent.TxID, "err", out.Err)
		return nil
	}
	var isOwner bool
	if err := json.Unmarshal(out.Payload, &isOwner); err != nil {
		return fmt.Errorf("market: protocol violation in ownership response: %w", err)
	}
	if !isOwner {
		e.logger.Info("ownership assertion rejected", "tx", intent.TxID)
		return nil
	}
	tx, err := e.loadTransaction(intent.TxID, intent.StoreID, intent.BuyerID)
	if err != nil {
		return err
	}
	if tx.Status != StatusApproved {
		// Another fully-committed call (e.g. a timeout refund) won the race
		// during the suspension window; drop the stale continuation.
		e.logger.Info("shipment dropped, status changed during suspension", "tx", tx.ID, "status", tx.Status.String())
		return nil
	}
	tx.Status = StatusShipped
	tx.IPFS = intent.ProofRef
	if err := e.state.TxPut(tx); err != nil {
		return err
	}
	e.emit(NewPurchaseShippedEvent(tx))
	return nil
}

type rewardArgs struct {
	BuyerAccountID string `json:"buyerAccountId"`
	TokenID        string `json:"tokenId"`
	Quantity       uint32 `json:"quantity"`
}

// CompletePurchase settles a Shipped purchase in the seller's favour. Reward
// purchases first issue the store's token-grant call and settle in its
// callback; plain purchases settle synchronously. Returns the correlation
// identifier of the issued call, or "" for a synchronous settlement.
func (e *Engine) CompletePurchase(txID, storeID, caller string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return "", errNilState
	}
	tx, err := e.loadTransaction(txID, storeID, "")
	if err != nil {
		return "", err
	}
	if tx.BuyerID != strings.TrimSpace(caller) {
		return "", ErrUnauthorized
	}
	if tx.Status != StatusShipped {
		return "", fmt.Errorf("%w: cannot complete in status %s", ErrInvalidStatus, tx.Status)
	}
	if !tx.IsReward {
		return "", e.settle(tx)
	}
	if e.dispatcher == nil {
		return "", errNilDispatcher
	}
	args, err := json.Marshal(rewardArgs{
		BuyerAccountID: tx.BuyerID,
		TokenID:        tx.TokenID,
		Quantity:       tx.Quantity,
	})
	if err != nil {
		return "", err
	}
	chain := dispatch.NewChain(storeID).Call(methodStoreReward, args).Build()
	id, err := e.dispatcher.Submit(chain, e.onRewardResult)
	if err != nil {
		return "", err
	}
	intent := &Intent{Kind: IntentReward, TxID: tx.ID, StoreID: storeID, BuyerID: tx.BuyerID}
	if err := e.state.IntentPut(id, intent); err != nil {
		return "", err
	}
	return id, nil
}

func (e *Engine) onRewardResult(id string, out dispatch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.handleRewardResult(id, out); err != nil {
		e.logger.Error("complete_purchase callback failed", "id", id, "err", err)
	}
}

func (e *Engine) handleRewardResult(id string, out dispatch.Outcome) error {
	if e.state == nil {
		return errNilState
	}
	intent, err := e.consumeIntent(id, IntentReward)
	if err != nil {
		return err
	}
	if !out.Ok {
		// No mutation: funds stay locked and the buyer retries completion.
		e.logger.Info("reward grant failed", "tx", intent.TxID, "err", out.Err)
		return nil
	}
	tx, err := e.loadTransaction(intent.TxID, intent.StoreID, intent.BuyerID)
	if err != nil {
		return err
	}
	if tx.Status != StatusShipped {
		e.logger.Info("settlement dropped, status changed during suspension", "tx", tx.ID, "status", tx.Status.String())
		return nil
	}
	return e.settle(tx)
}

// settle releases escrowed funds on the Delivered transition. The split is
// computed once, deterministically, from integer amounts.
func (e *Engine) settle(tx *Transaction) error {
	split, err := ComputePayout(tx.ValueLocked, tx.Affiliate, tx.AffiliatePercent)
	if err != nil {
		return err
	}
	if err := e.transfer(e.vaultAccount(), tx.StoreID, split.Seller); err != nil {
		return err
	}
	if split.Affiliate.Sign() > 0 {
		if err := e.transfer(e.vaultAccount(), tx.AffiliateID, split.Affiliate); err != nil {
			return err
		}
	}
	if split.PlatformFee.Sign() > 0 && e.feeTreasury != "" {
		if err := e.transfer(e.vaultAccount(), e.feeTreasury, split.PlatformFee); err != nil {
			return err
		}
	}
	tx.Status = StatusDelivered
	if err := e.state.TxPut(tx); err != nil {
		return err
	}
	if err := e.state.TxOpenClear(tx.ProductID, tx.StoreID, tx.BuyerID); err != nil {
		return err
	}
	if prefix, ok := e.storePrefix(tx.StoreID); ok {
		if err := e.state.StoreStatsRecordSale(prefix, tx.ValueLocked); err != nil {
			return err
		}
	}
	e.emit(NewPurchaseDeliveredEvent(tx, split))
	return nil
}

// DisputePurchase flags a Shipped purchase as disputed. Funds remain locked
// in the vault. The transition is synchronous: no remote confirmation is
// needed.
func (e *Engine) DisputePurchase(txID, storeID, caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	tx, err := e.loadTransaction(txID, storeID, "")
	if err != nil {
		return err
	}
	if tx.BuyerID != strings.TrimSpace(caller) {
		return ErrUnauthorized
	}
	if tx.Status != StatusShipped {
		return fmt.Errorf("%w: cannot dispute in status %s", ErrInvalidStatus, tx.Status)
	}
	tx.Status = StatusDisputed
	if err := e.state.TxPut(tx); err != nil {
		return err
	}
	if err := e.state.TxOpenClear(tx.ProductID, tx.StoreID, tx.BuyerID); err != nil {
		return err
	}
	e.emit(NewPurchaseDisputedEvent(tx))
	return nil
}

// GetRefund returns the locked value to the buyer once the timeout elapsed
// without shipment. It is a single synchronous read-then-transfer: under the
// serialized execution model no shipment can interleave mid-check. The record
// transitions to Canceled so it can never be re-processed.
func (e *Engine) GetRefund(txID, storeID, caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return errNilState
	}
	tx, err := e.loadTransaction(txID, storeID, "")
	if err != nil {
		return err
	}
	if tx.BuyerID != strings.TrimSpace(caller) {
		return ErrUnauthorized
	}
	if tx.Status != StatusApproved {
		return fmt.Errorf("%w: cannot refund in status %s", ErrInvalidStatus, tx.Status)
	}
	if uint64(e.now()) < tx.RefundDeadline() {
		return ErrRefundNotDue
	}
	if err := e.transfer(e.vaultAccount(), tx.BuyerID, tx.ValueLocked); err != nil {
		return err
	}
	tx.Status = StatusCanceled
	if err := e.state.TxPut(tx); err != nil {
		return err
	}
	if err := e.state.TxOpenClear(tx.ProductID, tx.StoreID, tx.BuyerID); err != nil {
		return err
	}
	e.emit(NewPurchaseRefundedEvent(tx))
	return nil
}
