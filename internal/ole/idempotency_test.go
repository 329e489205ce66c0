package ole

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/pkg/types"
)

func TestClientOrderIDDeterministicPrefix(t *testing.T) {
	t.Parallel()

	intent := types.Intent{
		StrategyID:     "strat-1",
		SignalID:       "sig-1",
		Symbol:         "AAPL",
		Side:           types.Buy,
		Qty:            decimal.NewFromInt(10),
		DecisionBucket: "2026-07-31T12:00",
	}

	id1 := ClientOrderID(intent)
	id2 := ClientOrderID(intent)

	prefix1 := strings.SplitN(id1, "-", 2)[0]
	prefix2 := strings.SplitN(id2, "-", 2)[0]
	if prefix1 != prefix2 {
		t.Errorf("content-hash prefixes differ: %q vs %q, want equal for the same Intent", prefix1, prefix2)
	}
	if id1 == id2 {
		t.Error("two calls for the same Intent produced identical full IDs, want distinct random suffixes")
	}
}

func TestClientOrderIDDiffersOnSymbol(t *testing.T) {
	t.Parallel()

	base := types.Intent{
		StrategyID:     "strat-1",
		SignalID:       "sig-1",
		Side:           types.Buy,
		Qty:            decimal.NewFromInt(10),
		DecisionBucket: "2026-07-31T12:00",
	}
	a := base
	a.Symbol = "AAPL"
	b := base
	b.Symbol = "MSFT"

	prefixA := strings.SplitN(ClientOrderID(a), "-", 2)[0]
	prefixB := strings.SplitN(ClientOrderID(b), "-", 2)[0]
	if prefixA == prefixB {
		t.Error("different symbols produced the same content-hash prefix")
	}
}
