package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of an escrowed purchase. A
// transaction is only ever created in StatusApproved, inside the buy callback,
// after the store confirmed the sale.
type Status uint8

const (
	StatusApproved Status = iota
	StatusShipped
	StatusDelivered
	StatusDisputed
	StatusCanceled
)

const secondsPerDay = 86_400

// MaxTimeoutDays bounds the buyer-supplied refund timeout. Ten years is far
// beyond any plausible shipment window and keeps deadline arithmetic within
// uint64 range.
const MaxTimeoutDays = 3650

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusShipped, StatusDelivered, StatusDisputed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusApproved:
		return "approved"
	case StatusShipped:
		return "shipped"
	case StatusDelivered:
		return "delivered"
	case StatusDisputed:
		return "disputed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Open reports whether the transaction still blocks a new escrow on the same
// (product, store, buyer) triple. Delivered, Disputed and Canceled are
// terminal outcomes.
func (s Status) Open() bool {
	switch s {
	case StatusDelivered, StatusDisputed, StatusCanceled:
		return false
	default:
		return true
	}
}

// Transaction is the durable record of one escrowed purchase. ValueLocked is
// custodied by the factory vault until a completion, dispute-resolution or
// refund path releases it.
type Transaction struct {
	ID               string
	ProductID        string
	StoreID          string
	BuyerID          string
	ValueLocked      *big.Int
	Price            *big.Int
	TokenID          string
	Quantity         uint32
	TimeoutDays      uint64
	Affiliate        bool
	AffiliateID      string
	AffiliatePercent uint32
	IsDiscount       bool
	IsReward         bool
	IsKeypom         bool
	HashedBilling    string
	Nonce            string
	IPFS             string
	Status           Status
	TimeCreated      uint64
}

// Clone returns a deep copy of the transaction so callers can safely mutate
// the copy without affecting the stored instance.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.ValueLocked != nil {
		clone.ValueLocked = new(big.Int).Set(t.ValueLocked)
	} else {
		clone.ValueLocked = big.NewInt(0)
	}
	if t.Price != nil {
		clone.Price = new(big.Int).Set(t.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// RefundDeadline returns the unix second at which the buyer may unilaterally
// reclaim an unshipped purchase. The deadline saturates instead of wrapping,
// so a corrupt timeout can never make a refund due early.
func (t *Transaction) RefundDeadline() uint64 {
	if t.TimeoutDays > (math.MaxUint64-t.TimeCreated)/secondsPerDay {
		return math.MaxUint64
	}
	return t.TimeCreated + t.TimeoutDays*secondsPerDay
}

// SanitizeTransaction validates and normalises the supplied record, returning
// a cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeTransaction(t *Transaction) (*Transaction, error) {
	if t == nil {
		return nil, fmt.Errorf("nil transaction")
	}
	clone := t.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("transaction id required")
	}
	if strings.TrimSpace(clone.ProductID) == "" {
		return nil, fmt.Errorf("product id required")
	}
	if strings.TrimSpace(clone.StoreID) == "" {
		return nil, fmt.Errorf("store id required")
	}
	if strings.TrimSpace(clone.BuyerID) == "" {
		return nil, fmt.Errorf("buyer id required")
	}
	if clone.ValueLocked.Sign() < 0 {
		return nil, fmt.Errorf("locked value must be non-negative")
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("price must be non-negative")
	}
	if clone.Affiliate && clone.AffiliatePercent > 100 {
		return nil, fmt.Errorf("affiliate percent out of range: %d", clone.AffiliatePercent)
	}
	if clone.Affiliate && strings.TrimSpace(clone.AffiliateID) == "" {
		return nil, fmt.Errorf("affiliate id required when affiliate enabled")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid transaction status: %d", clone.Status)
	}
	return clone, nil
}

// SaleTerms is the response schema the store's purchase-intake entry point
// must return on success. Anything that fails strict decoding is a protocol
// violation, not a business failure.
type SaleTerms struct {
	Price            *big.Int
	TokenID          string
	Affiliate        bool
	AffiliateID      string
	AffiliatePercent uint32
}

type saleTermsWire struct {
	Price            string `json:"price"`
	TokenID          string `json:"tokenId"`
	Affiliate        bool   `json:"affiliate"`
	AffiliateID      string `json:"affiliateId,omitempty"`
	AffiliatePercent uint32 `json:"affiliatePercent,omitempty"`
}

// ParseSaleTerms strictly decodes the store's purchase-intake response.
func ParseSaleTerms(payload []byte) (*SaleTerms, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var wire saleTermsWire
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("sale terms: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("sale terms: trailing data")
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(wire.Price), 10)
	if !ok {
		return nil, fmt.Errorf("sale terms: invalid price %q", wire.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("sale terms: price must be positive")
	}
	tokenID := strings.TrimSpace(wire.TokenID)
	if tokenID == "" {
		return nil, fmt.Errorf("sale terms: token id required")
	}
	if wire.Affiliate {
		if strings.TrimSpace(wire.AffiliateID) == "" {
			return nil, fmt.Errorf("sale terms: affiliate id required")
		}
		if wire.AffiliatePercent > 100 {
			return nil, fmt.Errorf("sale terms: affiliate percent out of range: %d", wire.AffiliatePercent)
		}
	}
	return &SaleTerms{
		Price:            price,
		TokenID:          tokenID,
		Affiliate:        wire.Affiliate,
		AffiliateID:      strings.TrimSpace(wire.AffiliateID),
		AffiliatePercent: wire.AffiliatePercent,
	}, nil
}

// StoreStats aggregates settled activity for one provisioned store.
type StoreStats struct {
	Sales  uint64
	Volume *big.Int
}

// Clone returns a deep copy of the stats record.
func (s *StoreStats) Clone() *StoreStats {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Volume != nil {
		clone.Volume = new(big.Int).Set(s.Volume)
	} else {
		clone.Volume = big.NewInt(0)
	}
	return &clone
}
