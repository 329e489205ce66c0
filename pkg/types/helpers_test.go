package types

import "github.com/shopspring/decimal"

func decFromInt(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}
