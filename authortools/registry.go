// Package authortools is the backend-author-facing counterpart to package backend: the explicit,
// init()-time registration table a backend package builds up in Go source, and the offline
// utility that turns that table into a declaration file's functions section (spec.md §4.8). It is
// never imported by engine, backend, or cache; only by cmd/dispatchctl and backend-author code.
package authortools

import (
	"sync"

	"github.com/dispatchkit/dispatch/backend"
)

// Registration is one dispatchable function's tuple as recorded by a backend package's init().
type Registration struct {
	LibFnID        string
	Impl           any
	ShouldRun      func(ctx *backend.Context, args []any) bool
	UsesContext    bool
	AdditionalDocs string
}

// RegOption configures a Registration at Register time.
type RegOption func(*Registration)

// WithShouldRun attaches a should_run predicate to the registration.
func WithShouldRun(fn func(ctx *backend.Context, args []any) bool) RegOption {
	return func(r *Registration) { r.ShouldRun = fn }
}

// WithContext marks the implementation as wanting the DispatchContext as its first argument.
func WithContext() RegOption {
	return func(r *Registration) { r.UsesContext = true }
}

// WithAdditionalDocs attaches free-text documentation surfaced by introspection tooling.
func WithAdditionalDocs(docs string) RegOption {
	return func(r *Registration) { r.AdditionalDocs = docs }
}

// Registry accumulates one backend package's dispatchable implementations. Go has no import-time
// decorator, so the idiomatic equivalent is an explicit Register call at init() time, the same
// shape as the pack's self-registering backend table (backend.Register in
// pozitronik/steelclock-go) and the nilaway plugin's own register.Plugin("nilaway", New) call in
// cmd/gclplugin.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Registration
	order   []string
}

// NewRegistry creates an empty Registry. Backend packages typically keep one package-level
// instance and populate it from init().
func NewRegistry() *Registry {
	return &Registry{entries: map[string]Registration{}}
}

// Register records impl as the implementation of the dispatchable function libFnID
// ("module:qualname", matching the id a declaration file's functions section keys on).
// Re-registering the same libFnID replaces the prior tuple but keeps its original position.
func (r *Registry) Register(libFnID string, impl any, opts ...RegOption) {
	reg := Registration{LibFnID: libFnID, Impl: impl}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[libFnID]; !exists {
		r.order = append(r.order, libFnID)
	}
	r.entries[libFnID] = reg
}

// Registrations returns every recorded tuple in registration order.
func (r *Registry) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Resolver builds a backend.MapResolver from every recorded implementation and should_run
// predicate, keyed by the same locators RewriteDecl writes into a declaration's functions section
// ("<backendName>:<libFnID>", plus the should_run suffix for predicates) —
// lets a backend package wire itself into backend.BuildConfig.Resolvers directly from its own
// Registry, with no declaration file round-trip required at runtime.
func (r *Registry) Resolver(backendName string) backend.MapResolver {
	out := make(backend.MapResolver, len(r.order))
	for _, reg := range r.Registrations() {
		out[implRef(backendName, reg.LibFnID)] = reg.Impl
		if reg.ShouldRun != nil {
			out[implRef(backendName, reg.LibFnID)+shouldRunSuffix] = reg.ShouldRun
		}
	}
	return out
}

func implRef(backendName, libFnID string) string {
	return backendName + ":" + libFnID
}
