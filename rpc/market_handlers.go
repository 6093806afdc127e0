package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"marketchain/native/market"
	"marketchain/observability"
)

type createStoreParams struct {
	Prefix    string `json:"prefix"`
	Owner     string `json:"owner"`
	PublicKey string `json:"publicKey"`
	Metadata  string `json:"metadata,omitempty"`
	Deposit   string `json:"deposit"`
}

type createStoreForAccountParams struct {
	NewAccount string `json:"newAccountId"`
	PublicKey  string `json:"publicKey"`
	Funder     string `json:"funder"`
	Deposit    string `json:"deposit"`
}

type buyParams struct {
	BuyerID       string `json:"buyerId"`
	ProductID     string `json:"productId"`
	StoreID       string `json:"storeId"`
	Quantity      uint32 `json:"quantity"`
	TimeoutDays   uint64 `json:"timeoutDays"`
	IsDiscount    bool   `json:"isDiscount,omitempty"`
	IsReward      bool   `json:"isReward,omitempty"`
	IsKeypom      bool   `json:"isKeypom,omitempty"`
	HashedBilling string `json:"hashedBilling,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
	Deposit       string `json:"deposit"`
}

type markShippedParams struct {
	TransactionID string `json:"transactionId"`
	BuyerID       string `json:"buyerId"`
	StoreID       string `json:"storeId"`
	Caller        string `json:"caller"`
	Proof         string `json:"proof"`
}

type lifecycleParams struct {
	TransactionID string `json:"transactionId"`
	StoreID       string `json:"storeId"`
	Caller        string `json:"caller"`
}

type transactionIDParams struct {
	TransactionID string `json:"transactionId"`
}

type accountParams struct {
	Account string `json:"account"`
}

type storePrefixParams struct {
	Prefix string `json:"prefix"`
}

// CorrelationResult carries the identifier tying an issued remote call to its
// eventual callback.
type CorrelationResult struct {
	CorrelationID string `json:"correlationId"`
}

// CompletionResult distinguishes synchronous settlements from reward grants
// that settle in a later callback.
type CompletionResult struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Settled       bool   `json:"settled"`
}

// TransactionResult is the RPC rendering of one ledger entry. Amounts are
// decimal strings to survive JSON number precision.
type TransactionResult struct {
	TransactionID    string `json:"transactionId"`
	ProductID        string `json:"productId"`
	StoreID          string `json:"storeId"`
	BuyerID          string `json:"buyerId"`
	ValueLocked      string `json:"valueLocked"`
	Price            string `json:"price"`
	TokenID          string `json:"tokenId"`
	Quantity         uint32 `json:"quantity"`
	TimeoutDays      uint64 `json:"timeoutDays"`
	Affiliate        bool   `json:"affiliate"`
	AffiliateID      string `json:"affiliateId,omitempty"`
	AffiliatePercent uint32 `json:"affiliatePercent,omitempty"`
	IsDiscount       bool   `json:"isDiscount"`
	IsReward         bool   `json:"isReward"`
	IsKeypom         bool   `json:"isKeypom"`
	HashedBilling    string `json:"hashedBilling,omitempty"`
	Nonce            string `json:"nonce,omitempty"`
	IPFS             string `json:"ipfs,omitempty"`
	Status           string `json:"status"`
	TimeCreated      uint64 `json:"timeCreated"`
	RefundDeadline   uint64 `json:"refundDeadline"`
}

// BalanceResult reports one account's holdings.
type BalanceResult struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
	Stake   string `json:"stake"`
	Nonce   uint64 `json:"nonce"`
}

// StoreStatsResult reports aggregate settled activity for a store.
type StoreStatsResult struct {
	Prefix string `json:"prefix"`
	Sales  uint64 `json:"sales"`
	Volume string `json:"volume"`
}

func formatTransaction(tx *market.Transaction) TransactionResult {
	result := TransactionResult{
		TransactionID:  tx.ID,
		ProductID:      tx.ProductID,
		StoreID:        tx.StoreID,
		BuyerID:        tx.BuyerID,
		ValueLocked:    "0",
		Price:          "0",
		TokenID:        tx.TokenID,
		Quantity:       tx.Quantity,
		TimeoutDays:    tx.TimeoutDays,
		Affiliate:      tx.Affiliate,
		IsDiscount:     tx.IsDiscount,
		IsReward:       tx.IsReward,
		IsKeypom:       tx.IsKeypom,
		HashedBilling:  tx.HashedBilling,
		Nonce:          tx.Nonce,
		IPFS:           tx.IPFS,
		Status:         tx.Status.String(),
		TimeCreated:    tx.TimeCreated,
		RefundDeadline: tx.RefundDeadline(),
	}
	if tx.ValueLocked != nil {
		result.ValueLocked = tx.ValueLocked.String()
	}
	if tx.Price != nil {
		result.Price = tx.Price.String()
	}
	if tx.Affiliate {
		result.AffiliateID = tx.AffiliateID
		result.AffiliatePercent = tx.AffiliatePercent
	}
	return result
}

func formatTransactions(txs []*market.Transaction) []TransactionResult {
	out := make([]TransactionResult, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		out = append(out, formatTransaction(tx))
	}
	return out
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// writeEngineError maps the engine's sentinel errors onto RPC error codes.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, market.ErrTransactionNotFound), errors.Is(err, market.ErrStoreNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, market.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codePrecondition, err.Error(), nil)
	case errors.Is(err, market.ErrStoreExists), errors.Is(err, market.ErrOpenTransaction):
		writeError(w, http.StatusConflict, id, codePrecondition, err.Error(), nil)
	case errors.Is(err, market.ErrReservedPrefix),
		errors.Is(err, market.ErrInsufficientStake),
		errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInvalidStatus),
		errors.Is(err, market.ErrRefundNotDue):
		writeError(w, http.StatusBadRequest, id, codePrecondition, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleCreateStore(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createStoreParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	deposit, err := parseAmount(params.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := s.engine.CreateStore(params.Prefix, params.Owner, params.PublicKey, params.Metadata, deposit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CorrelationResult{CorrelationID: id})
}

func (s *Server) handleCreateStoreForAccount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params createStoreForAccountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	deposit, err := parseAmount(params.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := s.engine.CreateStoreForAccount(params.NewAccount, params.PublicKey, params.Funder, deposit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CorrelationResult{CorrelationID: id})
}

func (s *Server) handleBuy(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params buyParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	deposit, err := parseAmount(params.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := s.engine.Buy(market.BuyParams{
		BuyerID:       params.BuyerID,
		ProductID:     params.ProductID,
		StoreID:       params.StoreID,
		Quantity:      params.Quantity,
		TimeoutDays:   params.TimeoutDays,
		IsDiscount:    params.IsDiscount,
		IsReward:      params.IsReward,
		IsKeypom:      params.IsKeypom,
		HashedBilling: params.HashedBilling,
		Nonce:         params.Nonce,
		Deposit:       deposit,
	})
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CorrelationResult{CorrelationID: id})
}

func (s *Server) handleMarkShipped(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params markShippedParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	id, err := s.engine.MarkShipped(params.TransactionID, params.BuyerID, params.StoreID, params.Caller, params.Proof)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, CorrelationResult{CorrelationID: id})
}

func (s *Server) handleCompletePurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lifecycleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	id, err := s.engine.CompletePurchase(params.TransactionID, params.StoreID, params.Caller)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if id == "" {
		if tx, err := s.engine.GetTransaction(params.TransactionID); err == nil {
			observability.Escrow().RecordSettlement("delivered", tx.ValueLocked)
		}
	}
	writeResult(w, req.ID, CompletionResult{CorrelationID: id, Settled: id == ""})
}

func (s *Server) handleDisputePurchase(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lifecycleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	if err := s.engine.DisputePurchase(params.TransactionID, params.StoreID, params.Caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	tx, err := s.engine.GetTransaction(params.TransactionID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	observability.Escrow().RecordSettlement("disputed", tx.ValueLocked)
	writeResult(w, req.ID, formatTransaction(tx))
}

func (s *Server) handleGetRefund(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params lifecycleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	if err := s.engine.GetRefund(params.TransactionID, params.StoreID, params.Caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	tx, err := s.engine.GetTransaction(params.TransactionID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	observability.Escrow().RecordSettlement("refunded", tx.ValueLocked)
	writeResult(w, req.ID, formatTransaction(tx))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params transactionIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	tx, err := s.engine.GetTransaction(params.TransactionID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransaction(tx))
}

func (s *Server) handleGetAllTransactions(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	txs, err := s.engine.GetAllTransactions()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransactions(txs))
}

func (s *Server) handleGetBuyerTransactions(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	txs, err := s.engine.GetBuyerTransactions(params.Account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransactions(txs))
}

func (s *Server) handleGetSellerTransactions(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	txs, err := s.engine.GetSellerTransactions(params.Account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatTransactions(txs))
}

func (s *Server) handleCheckContainsStore(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params storePrefixParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	ok, err := s.engine.CheckContainsStore(params.Prefix)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ok)
}

func (s *Server) handleGetStoreCost(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	cost, err := s.engine.GetStoreCost()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, cost.String())
}

func (s *Server) handleGetTransactionCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	count, err := s.engine.GetTransactionCount()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, count)
}

func (s *Server) handleGetStoreStats(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params storePrefixParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	stats, err := s.engine.GetStoreStats(params.Prefix)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	volume := "0"
	if stats.Volume != nil {
		volume = stats.Volume.String()
	}
	writeResult(w, req.ID, StoreStatsResult{
		Prefix: strings.TrimSpace(params.Prefix),
		Sales:  stats.Sales,
		Volume: volume,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params accountParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	account := strings.TrimSpace(params.Account)
	if account == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "account is required", nil)
		return
	}
	acc, err := s.state.GetAccount(account)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{
		Account: account,
		Balance: acc.Balance.String(),
		Stake:   acc.Stake.String(),
		Nonce:   acc.Nonce,
	})
}
