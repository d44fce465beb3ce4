package asset

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenAmount converts a raw on-chain integer into the token's decimal
// amount, exactly. raw / 10^decimals with no floating point involved.
func TokenAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FromWei converts a wei integer into the 18-decimals native asset amount.
func FromWei(raw *big.Int) decimal.Decimal {
	return TokenAmount(raw, 18)
}
