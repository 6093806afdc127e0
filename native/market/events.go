package market

import (
	"strconv"

	"marketchain/core/types"
)

const (
	EventTypeStoreProvisioned     = "market.store.provisioned"
	EventTypeStoreProvisionFailed = "market.store.provision_failed"
	EventTypePurchaseApproved     = "market.purchase.approved"
	EventTypePurchaseFailed       = "market.purchase.failed"
	EventTypePurchaseShipped      = "market.purchase.shipped"
	EventTypePurchaseDelivered    = "market.purchase.delivered"
	EventTypePurchaseDisputed     = "market.purchase.disputed"
	EventTypePurchaseRefunded     = "market.purchase.refunded"
)

// NewStoreProvisionedEvent returns the canonical payload emitted when a store
// sub-account is fully deployed and registered.
func NewStoreProvisionedEvent(prefix, owner string) *types.Event {
	return &types.Event{Type: EventTypeStoreProvisioned, Attributes: map[string]string{
		"prefix": prefix,
		"owner":  owner,
	}}
}

// NewStoreProvisionFailedEvent returns the payload emitted when the
// provisioning chain failed and the stake was returned to the funder.
func NewStoreProvisionFailedEvent(prefix, funder, reason string) *types.Event {
	return &types.Event{Type: EventTypeStoreProvisionFailed, Attributes: map[string]string{
		"prefix": prefix,
		"funder": funder,
		"reason": reason,
	}}
}

// NewPurchaseApprovedEvent returns the payload for a committed escrow entry.
func NewPurchaseApprovedEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypePurchaseApproved, t)
}

// NewPurchaseFailedEvent returns the payload emitted when the store rejected
// the sale and the buyer's deposit was returned.
func NewPurchaseFailedEvent(product, store, buyer, reason string) *types.Event {
	return &types.Event{Type: EventTypePurchaseFailed, Attributes: map[string]string{
		"productId": product,
		"storeId":   store,
		"buyerId":   buyer,
		"reason":    reason,
	}}
}

// NewPurchaseShippedEvent returns the payload emitted when the seller attached
// shipment proof.
func NewPurchaseShippedEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypePurchaseShipped, t)
}

// NewPurchaseDeliveredEvent returns the payload emitted when escrowed funds
// were released to the seller.
func NewPurchaseDeliveredEvent(t *Transaction, split *PayoutSplit) *types.Event {
	evt := newTransactionEvent(EventTypePurchaseDelivered, t)
	if split != nil {
		evt.Attributes["sellerAmount"] = split.Seller.String()
		evt.Attributes["platformFee"] = split.PlatformFee.String()
		evt.Attributes["affiliateAmount"] = split.Affiliate.String()
	}
	return evt
}

// NewPurchaseDisputedEvent returns the payload emitted when the buyer raised a
// dispute, leaving funds locked.
func NewPurchaseDisputedEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypePurchaseDisputed, t)
}

// NewPurchaseRefundedEvent returns the payload emitted when the timeout policy
// returned funds to the buyer.
func NewPurchaseRefundedEvent(t *Transaction) *types.Event {
	return newTransactionEvent(EventTypePurchaseRefunded, t)
}

func newTransactionEvent(eventType string, t *Transaction) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeTransaction(t)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["transactionId"] = sanitized.ID
	attrs["productId"] = sanitized.ProductID
	attrs["storeId"] = sanitized.StoreID
	attrs["buyerId"] = sanitized.BuyerID
	attrs["valueLocked"] = sanitized.ValueLocked.String()
	attrs["price"] = sanitized.Price.String()
	attrs["tokenId"] = sanitized.TokenID
	attrs["status"] = sanitized.Status.String()
	attrs["timeCreated"] = strconv.FormatUint(sanitized.TimeCreated, 10)
	if sanitized.Affiliate {
		attrs["affiliateId"] = sanitized.AffiliateID
		attrs["affiliatePercent"] = strconv.FormatUint(uint64(sanitized.AffiliatePercent), 10)
	}
	if sanitized.IPFS != "" {
		attrs["ipfs"] = sanitized.IPFS
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
