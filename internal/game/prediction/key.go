// Package prediction implements prediction keys, scoped prediction windows,
// and the ledger of rejected / caught-up callbacks a predicting client uses
// to reconcile speculative work with the server's authoritative outcome.
package prediction

import (
	"fmt"
	"math"
)

// ConnID identifies a network connection. The server stamps keys it receives
// with the originating connection so they can be filtered on the way out.
type ConnID string

// Key identifies one client-predicted causal chain.
//
// Invariant: a key with Current <= 0 is never valid for prediction.
type Key struct {
	// Current is the key value; 0 means "no key".
	Current int32
	// Base is the root key this key depends on; 0 for a root key.
	Base int32
	// IsStale is set once the chain can no longer be extended.
	IsStale bool
	// Owner is the connection the key originated from. Server-local; never
	// transmitted.
	Owner ConnID
}

// IsValidKey reports whether k identifies predicted work.
func (k Key) IsValidKey() bool {
	return k.Current > 0
}

// IsValidForMorePrediction reports whether new work may be predicted under k.
func (k Key) IsValidForMorePrediction() bool {
	return k.IsValidKey() && !k.IsStale
}

// GenerateDependent returns a new key chained to k. If k has no Base, its
// Current becomes the Base of the result.
//
// Precondition: gen must be non-nil.
func (k Key) GenerateDependent(gen *Generator) Key {
	out := gen.New()
	out.Base = k.Base
	if out.Base == 0 {
		out.Base = k.Current
	}
	return out
}

// ForRecipient applies the net serialization rule: the full key is only
// delivered to the connection that originated it; any other recipient sees
// the zero key.
func (k Key) ForRecipient(conn ConnID) Key {
	if !k.IsValidKey() || k.Owner == "" || k.Owner != conn {
		return Key{}
	}
	return Key{Current: k.Current, Base: k.Base, IsStale: k.IsStale}
}

// WithOwner returns k stamped with conn.
func (k Key) WithOwner(conn ConnID) Key {
	k.Owner = conn
	return k
}

// String renders k for logs.
func (k Key) String() string {
	if !k.IsValidKey() {
		return "[none]"
	}
	s := fmt.Sprintf("[%d", k.Current)
	if k.Base != 0 {
		s += fmt.Sprintf("/%d", k.Base)
	}
	if k.IsStale {
		s += " stale"
	}
	return s + "]"
}

// Generator allocates monotonically increasing key values for one
// predicting client. It is owned by that client's engine.
type Generator struct {
	next int32
}

// NewGenerator creates a Generator whose first key is 1.
func NewGenerator() *Generator {
	return &Generator{}
}

// New allocates a fresh root key (CreateNewPredictionKey).
//
// Postcondition: result.Current > 0 and result.Base == 0.
func (g *Generator) New() Key {
	if g.next == math.MaxInt32 {
		g.next = 0
	}
	g.next++
	return Key{Current: g.next}
}

// Last returns the most recently allocated key value, or 0.
func (g *Generator) Last() int32 {
	return g.next
}
