// Package backend implements the Backend Registry: the in-memory model of every installed
// backend (plus the distinguished "default" pseudo-backend standing in for the library's own
// implementations) and the total-ish priority order the dispatch engine consults on every call.
package backend

import (
	"fmt"
	"sync"

	"github.com/dispatchkit/dispatch/prefstate"
	"github.com/dispatchkit/dispatch/typekey"
)

// DefaultName is the reserved name of the pseudo-backend representing the library's own
// implementations.
const DefaultName = "default"

// SymbolResolver is the abstract dynamic-symbol-resolution capability the engine consumes to
// turn an "m:n" implementation_ref string into a callable value, deferred until first use.
// Go cannot resolve an arbitrary string into a function pointer the way a dynamically-loaded
// language can, so production resolvers are backed by a table that backend-author code populates
// at init() time (see package authortools); tests substitute a fake resolver directly.
type SymbolResolver interface {
	Resolve(ref string) (any, error)
}

// MapResolver is a SymbolResolver backed by a plain lookup table, the production shape produced
// by authortools.Registry once a backend package has registered its implementations.
type MapResolver map[string]any

// Resolve implements SymbolResolver.
func (m MapResolver) Resolve(ref string) (any, error) {
	v, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("backend: no implementation registered for %q", ref)
	}
	return v, nil
}

// FunctionBinding is one dispatchable function's binding within a Backend (spec.md §3).
type FunctionBinding struct {
	ImplementationRef string
	// ShouldRunRef is the optional "m:n" locator for a should_run predicate loaded from a
	// declaration file, resolved lazily via ResolveShouldRun.
	ShouldRunRef string
	// ShouldRun, when set directly (as dispatch.Library.MakeDispatchable does for the default
	// backend), takes priority over ShouldRunRef and needs no resolution.
	ShouldRun      func(ctx *Context, args []any) bool
	UsesContext    bool
	AdditionalDocs string

	resolveOnce sync.Once
	resolved    any
	resolveErr  error

	shouldRunOnce     sync.Once
	shouldRunResolved func(ctx *Context, args []any) bool
	shouldRunErr      error
}

// Resolve resolves and caches ImplementationRef via r, performing the lookup at most once even
// under concurrent callers (first-touch symbol resolution, spec.md §3/§5).
func (b *FunctionBinding) Resolve(r SymbolResolver) (any, error) {
	b.resolveOnce.Do(func() {
		b.resolved, b.resolveErr = r.Resolve(b.ImplementationRef)
	})
	return b.resolved, b.resolveErr
}

// ResolveShouldRun returns the binding's should_run predicate, resolving ShouldRunRef via r on
// first use if ShouldRun was not already set directly. Returns (nil, nil) when the binding has no
// should_run at all (every candidate runs unconditionally).
func (b *FunctionBinding) ResolveShouldRun(r SymbolResolver) (func(ctx *Context, args []any) bool, error) {
	if b.ShouldRun != nil {
		return b.ShouldRun, nil
	}
	if b.ShouldRunRef == "" {
		return nil, nil
	}
	b.shouldRunOnce.Do(func() {
		v, err := r.Resolve(b.ShouldRunRef)
		if err != nil {
			b.shouldRunErr = err
			return
		}
		fn, ok := v.(func(ctx *Context, args []any) bool)
		if !ok {
			b.shouldRunErr = fmt.Errorf("backend: should_run %q does not have the required signature", b.ShouldRunRef)
			return
		}
		b.shouldRunResolved = fn
	})
	return b.shouldRunResolved, b.shouldRunErr
}

// Context is the DispatchContext of spec.md §3: threaded through ShouldRun and, for
// context-aware implementations, as their first argument.
type Context struct {
	Types       map[typekey.Key]struct{}
	ForcedType  *typekey.Key
	BackendName string
	Prefs       prefstate.State
}

// Backend is a descriptor for one registered backend (or the "default" pseudo-backend).
type Backend struct {
	Name               string
	PrimaryTypes       []typekey.Spec
	SecondaryTypes     []typekey.Spec
	RequiresOptIn      bool
	HigherPriorityThan []string
	LowerPriorityThan  []string
	Functions          map[string]*FunctionBinding
	Resolver           SymbolResolver
}

// AllTypes returns the backend's combined primary+secondary spec set, the set consulted for
// "does this backend accept this type multiset" matching (spec.md §4.6 step 3b).
func (b *Backend) AllTypes() []typekey.Spec {
	if len(b.SecondaryTypes) == 0 {
		return b.PrimaryTypes
	}
	out := make([]typekey.Spec, 0, len(b.PrimaryTypes)+len(b.SecondaryTypes))
	out = append(out, b.PrimaryTypes...)
	out = append(out, b.SecondaryTypes...)
	return out
}

// AcceptsAll reports whether every key in types is matched by at least one of the backend's
// declared specs. A backend with no declared types at all (the "default" pseudo-backend, per
// spec.md §3, or any other backend that simply declares none) is untyped rather than
// unsatisfiable: it accepts every type multiset unconditionally, including the empty one. A
// backend that does declare types never accepts the empty multiset on a vacuous pass over zero
// keys (spec.md §4.6: "zero dispatched arguments and no forced type: only the default binding
// runs" — a typed, non-opt-in backend must not be able to win that case).
func (b *Backend) AcceptsAll(types map[typekey.Key]struct{}) bool {
	specs := b.AllTypes()
	if len(specs) == 0 {
		return true
	}
	if len(types) == 0 {
		return false
	}
	for k := range types {
		chain := typekey.ChainOf(k)
		matched := false
		for _, s := range specs {
			if typekey.Matches(s, chain) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// NewDefaultBackend wraps the library's own default implementations into the "default"
// pseudo-backend: no declared types, never opt-in, lowest base priority (enforced by the
// registry's tie-break rule, not by anything here).
func NewDefaultBackend() *Backend {
	return &Backend{
		Name:          DefaultName,
		RequiresOptIn: false,
		Functions:     map[string]*FunctionBinding{},
	}
}
