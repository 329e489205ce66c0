// Package strategy defines the narrow polymorphic capability strategies
// implement, and a static registry the Trading Process's decision loop
// drives each tick. Concrete strategies (the actual trading logic) are an
// external collaborator per spec §1's Non-goals — this package is the
// contract they plug into, not an implementation of any one strategy.
//
// Grounded on the teacher's own strategy/interface.go split: a single
// interface plus a plain data context, no inheritance chains, variants
// registered statically (spec §9: "dynamic dispatch over strategy classes"
// is the anti-pattern this is redesigned away from).
package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantdesk/paperfloor/pkg/types"
)

// Context is the read-only market and account view handed to a Capability
// on every decision-loop tick. It carries no broker or cache handles —
// strategies produce Intents, they never call out to a substrate directly.
type Context struct {
	Now       time.Time
	Regime    types.Regime
	Symbols   []string
	Bars      map[string]types.BarRecord // latest known bar per symbol
	Positions map[string]types.Position  // current position per symbol, if any
	Equity    types.EquityPoint
}

// Capability is the one interface every strategy implements: a gate on
// whether it should run in the current regime, and a producer of trading
// intents given the current context. Neither method may block on I/O —
// all the data it needs is already in Context.
type Capability interface {
	Name() string
	ShouldRun(regime types.Regime) bool
	ProduceIntents(ctx Context) []types.Intent
}

// Registry holds the statically-registered strategy Capabilities the
// decision loop iterates each tick. Grounded on the pack's
// collector.Registry shape (newthinker-atlas): a mutex-guarded map keyed by
// name, Register/Get/All, no dynamic discovery.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty strategy registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds (or replaces) a Capability under its own Name().
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Name()] = c
}

// Get retrieves a Capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// All returns every registered Capability. Order is unspecified; the
// decision loop treats strategies as independent of each other, per spec
// §5 ("the decision loop submits sequentially" across orders, not across
// which strategy produced them).
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	return out
}

// flatIntent is a minimal Capability used only by tests and as a reference
// implementation of the contract — never wired into a production registry.
// NewStaticCapability exports it so other packages' tests can exercise the
// decision loop without needing a real strategy.
type flatIntent struct {
	name   string
	regime types.Regime
	intent types.Intent
}

// NewStaticCapability builds a Capability that runs only in the given
// regime and always produces the same Intent (with DecisionTs stamped to
// ctx.Now). Useful for wiring tests and as documentation of the contract's
// shape; not a trading strategy in its own right.
func NewStaticCapability(name string, regime types.Regime, intent types.Intent) Capability {
	return &flatIntent{name: name, regime: regime, intent: intent}
}

func (f *flatIntent) Name() string { return f.name }

func (f *flatIntent) ShouldRun(regime types.Regime) bool {
	return f.regime == types.RegimeUnknown || regime == f.regime
}

func (f *flatIntent) ProduceIntents(ctx Context) []types.Intent {
	intent := f.intent
	intent.DecisionTs = ctx.Now
	if intent.Qty.IsZero() {
		intent.Qty = decimal.Zero
	}
	return []types.Intent{intent}
}
