// idempotency.go derives the client_order_id used to make broker
// submissions idempotent: the same Intent within the same decision bucket
// always produces the same hash prefix, but each call appends a new random
// suffix, so a retry avoids a double placement only when the caller reuses
// the full ID it got the first time (Intent.ClientOrderID).
package ole

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/quantdesk/paperfloor/pkg/types"
)

// ClientOrderID hashes the fields that define "the same trading decision"
// (strategy, signal, symbol, side, qty, decision bucket) into a content
// digest, then appends a random suffix so distinct calls to this function
// for what is semantically a *new* decision (a fresh Intent, not a retry of
// an old one) don't collide. The suffix is generated once per Intent and
// cached by the caller — it is the retry path that must reuse the same
// full client_order_id across attempts, not this function that must be
// pure.
func ClientOrderID(intent types.Intent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		intent.StrategyID,
		intent.SignalID,
		intent.Symbol,
		intent.Side,
		intent.Qty.String(),
		intent.DecisionBucket,
	)
	digest := hex.EncodeToString(h.Sum(nil))[:24]
	return digest + "-" + uuid.New().String()[:8]
}
