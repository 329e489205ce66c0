package ole

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// atomicBool is a tiny wrapper so Engine.halted reads/writes don't need a
// full mutex for a single flag checked on every Submit call.
type atomicBool struct {
	v atomic.Bool
}

func (b *atomicBool) Set(val bool) { b.v.Store(val) }
func (b *atomicBool) Get() bool    { return b.v.Load() }

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
