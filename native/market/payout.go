package market

import (
	"fmt"
	"math/big"
)

// PlatformFeePercent is the fixed fraction of the escrowed value retained by
// the factory on every delivered purchase.
const PlatformFeePercent = 2

// PayoutSplit is the deterministic division of an escrowed amount on the
// Delivered transition. Conservation holds exactly:
// Seller + Affiliate + PlatformFee == the locked value.
type PayoutSplit struct {
	Seller      *big.Int
	PlatformFee *big.Int
	Affiliate   *big.Int
}

// ComputePayout splits the locked value among seller, platform fee and an
// optional affiliate. The affiliate share is carved out of the seller's
// post-fee amount, not the gross. Fractional remainders from the percentage
// math truncate toward the seller.
func ComputePayout(valueLocked *big.Int, affiliate bool, affiliatePercent uint32) (*PayoutSplit, error) {
	if valueLocked == nil || valueLocked.Sign() <= 0 {
		return nil, fmt.Errorf("payout: locked value must be positive")
	}
	if affiliate && affiliatePercent > 100 {
		return nil, fmt.Errorf("payout: affiliate percent out of range: %d", affiliatePercent)
	}
	hundred := big.NewInt(100)
	fee := new(big.Int).Mul(valueLocked, big.NewInt(PlatformFeePercent))
	fee.Div(fee, hundred)
	post := new(big.Int).Sub(valueLocked, fee)
	affiliateCut := big.NewInt(0)
	if affiliate && affiliatePercent > 0 {
		affiliateCut = new(big.Int).Mul(post, new(big.Int).SetUint64(uint64(affiliatePercent)))
		affiliateCut.Div(affiliateCut, hundred)
	}
	seller := new(big.Int).Sub(post, affiliateCut)
	return &PayoutSplit{Seller: seller, PlatformFee: fee, Affiliate: affiliateCut}, nil
}
