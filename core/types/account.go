package types

import "math/big"

// Account holds the native-currency position of one named identity. The
// factory's own module account custodies every escrowed deposit, so there is
// no separate per-escrow account.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
	Stake   *big.Int `json:"stake"`
}
