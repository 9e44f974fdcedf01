// Package dispatch is the root of the multi-backend function dispatch engine: it ties the
// Backend Registry, the Dispatch Engine, and the Preference State together into the handful of
// operations an integrating scientific-computing library actually calls (MakeDispatchable,
// BackendOpts/EnableGlobally, Preview). Everything else in this module is an implementation
// detail reached through this package.
package dispatch

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/dispatchkit/dispatch/backend"
	"github.com/dispatchkit/dispatch/config"
	"github.com/dispatchkit/dispatch/diagnostic"
	"github.com/dispatchkit/dispatch/engine"
	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/dispatchkit/dispatch/prefstate"
	"github.com/dispatchkit/dispatch/typekey"
)

// Context is the DispatchContext of spec.md §3, re-exported here under the root package's name
// since it is the one engine type a dispatchable's implementation ever needs to reference
// directly (for uses_context implementations and should_run predicates).
type Context = backend.Context

// TypeKey identifies a concrete Go type for forced-type dispatch, the same identity the engine
// matches dispatched arguments against.
type TypeKey = typekey.Key

// TypeOf returns the TypeKey for v's concrete type. Used to build a forced type for backends
// whose implementations take no dispatched arguments at all (random-number generation is the
// textbook case: the caller forces a dtype, there is nothing in the argument list to infer it
// from).
func TypeOf(v any) TypeKey { return typekey.KeyOf(v) }

// Scope is a pushed preference frame; Close releases it. See BackendOpts.
type Scope = prefstate.Scope

// ScopeOption configures a Scope opened by BackendOpts, or the process-wide default installed by
// EnableGlobally.
type ScopeOption = prefstate.Option

// WithPrioritize appends backend names to a scope's prioritize list, innermost-scope order.
func WithPrioritize(names ...string) ScopeOption { return prefstate.WithPrioritize(names...) }

// WithType forces dispatch to the given type for the scope's lifetime.
func WithType(k TypeKey) ScopeOption { return prefstate.WithType(k) }

// WithTrace attaches a trace sink to the scope.
func WithTrace(s diagnostic.Sink) ScopeOption { return prefstate.WithTrace(s) }

// BackendOpts opens a new preference scope: a scoped acquisition with release guaranteed by
// Scope.Close on every exit path, per spec.md §5. An integrating library typically re-exports
// this under its own name (e.g. "arraylib.BackendOpts(...)"); that re-export itself is outside
// this module's scope, but the operation it wraps lives here.
func BackendOpts(opts ...ScopeOption) *Scope { return prefstate.Open(opts...) }

// EnableGlobally promotes opts to the process-wide default preference frame, consulted by every
// goroutine that has not opened its own scope. Passing no options clears it.
func EnableGlobally(opts ...ScopeOption) { prefstate.EnableGlobally(opts...) }

// WithScope runs fn inside a scope built from opts, closing the scope again regardless of fn's
// outcome — the explicit callable form of spec.md §5's "enter a scope without the acquisition
// idiom".
func WithScope(fn func() error, opts ...ScopeOption) error { return prefstate.WithScope(fn, opts...) }

// LibraryOption configures a Library at NewLibrary time.
type LibraryOption func(*backend.BuildConfig)

// WithDeclCacheDir enables the on-disk compiled-declaration cache for discovery, unless overridden
// by the library's <PREFIX>_NO_DECL_CACHE environment variable.
func WithDeclCacheDir(dir string) LibraryOption {
	return func(c *backend.BuildConfig) { c.DeclCacheDir = dir }
}

// WithResolvers supplies the SymbolResolver each discovered backend (by name) uses to turn its
// declaration file's "m:n" implementation_ref strings into callable values.
func WithResolvers(resolvers map[string]backend.SymbolResolver) LibraryOption {
	return func(c *backend.BuildConfig) { c.Resolvers = resolvers }
}

// Library is the integration point a scientific-computing package builds once: it binds an
// entry-point Source (spec.md §4.1's Loader) and an environment-variable prefix (spec.md §6) to
// the resulting Backend Registry and Dispatch Engine every MakeDispatchable call registers
// against. Registering dispatchables concurrently with live dispatch calls is not supported;
// register them all during package initialization, the same ordering Go's own package-level
// var/init machinery already gives single-threaded for free.
type Library struct {
	prefix string
	cfg    backend.BuildConfig

	mu             sync.Mutex
	reg            *backend.Registry
	dispatcher     *engine.Dispatcher
	defaultBackend *backend.Backend
	defaultImpls   backend.MapResolver
}

// NewLibrary discovers every backend declared under src, applies the <PREFIX>_BLOCK/_SET_ORDER
// env vars, installs <PREFIX>_PRIORITIZE as the process-wide default preference frame (spec.md
// §6: "equivalent to top-level prioritize= at startup"), and returns the Library plus a
// diagnostic.Report of anything that went wrong during discovery. A non-empty report is never
// fatal: a malformed backend is simply absent, per spec.md §4.2.
func NewLibrary(prefix string, src entrypoint.Source, opts ...LibraryOption) (*Library, *diagnostic.Report) {
	names := config.EnvNames(prefix)

	cfg := backend.BuildConfig{
		Block:    os.Getenv(names.Block),
		SetOrder: os.Getenv(names.SetOrder),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if os.Getenv(names.NoDeclCache) != "" {
		cfg.DeclCacheDir = ""
	}

	defaultImpls := backend.MapResolver{}
	defaultBackend := backend.NewDefaultBackend()
	defaultBackend.Resolver = defaultImpls
	cfg.Default = defaultBackend

	reg, report := backend.Build(src, cfg)
	lib := &Library{
		prefix:         prefix,
		cfg:            cfg,
		reg:            reg,
		dispatcher:     engine.New(reg),
		defaultBackend: defaultBackend,
		defaultImpls:   defaultImpls,
	}

	if raw := os.Getenv(names.Prioritize); raw != "" {
		prefstate.EnableGlobally(prefstate.WithPrioritize(splitOrdered(raw)...))
	}

	return lib, report
}

// Registry exposes the resolved Backend Registry for introspection (listing installed backends,
// feeding declcache warm-up, and similar tooling).
func (l *Library) Registry() *backend.Registry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg
}

// Reload re-runs discovery against src with the Library's original configuration (env-derived
// block/set-order/resolvers, decl cache dir), replacing the Registry and Dispatcher in place.
// Already-registered dispatchables' default implementations are preserved, since they live on
// the same default pseudo-backend object carried across rebuilds. This is the public equivalent
// of re-running spec.md §4.2's discovery step; there is no public incremental "add one backend"
// operation; backend.Registry.Register is privileged to the backend package's own tree precisely
// so the registry is append-only from the outside once built (see DESIGN.md).
func (l *Library) Reload(src entrypoint.Source) *diagnostic.Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, report := backend.Build(src, l.cfg)
	l.reg = reg
	l.dispatcher = engine.New(reg)
	return report
}

// DispatchableOption configures a Dispatchable at MakeDispatchable time.
type DispatchableOption func(*dispatchableConfig)

type dispatchableConfig struct {
	id          string
	usesContext bool
	shouldRun   func(ctx *Context, args []any) bool
}

// WithID overrides the default function id (runtime.FuncForPC(...).Name()) with an explicit one.
func WithID(id string) DispatchableOption {
	return func(c *dispatchableConfig) { c.id = id }
}

// WithUsesContext marks the default implementation as wanting the DispatchContext as its first
// Go parameter, the same uses_context contract a declaration file's backend implementations have.
func WithUsesContext() DispatchableOption {
	return func(c *dispatchableConfig) { c.usesContext = true }
}

// WithShouldRun attaches a should_run predicate to the default implementation.
func WithShouldRun(fn func(ctx *Context, args []any) bool) DispatchableOption {
	return func(c *dispatchableConfig) { c.shouldRun = fn }
}

// Dispatchable is the user-facing handle returned by MakeDispatchable: a library-defined function
// eligible for backend substitution (spec.md §2's "Dispatchable function").
type Dispatchable struct {
	lib     *Library
	inner   *engine.Dispatchable
	defImpl reflect.Value
	arity   int // number of arguments Call expects, excluding an injected Context
}

// ID returns the dispatchable's function id.
func (d *Dispatchable) ID() string { return d.inner.ID }

// MakeDispatchable registers defaultImpl as a dispatchable function: one whose call the Dispatch
// Engine can route to an externally installed backend instead of defaultImpl, based on the
// concrete types flowing through the argument positions named by dispatchedParams.
//
// spec.md's dispatched_params resolves Python parameter *names* to positions via runtime
// introspection of default_impl's signature (Python's inspect.signature keeps parameter
// identifiers at runtime). Go's reflect.Type carries parameter types only, never identifiers —
// there is no runtime equivalent to resolve a name against — so dispatchedParams is given here as
// the 0-based argument positions directly and validated against defaultImpl's actual arity at
// registration time, preserving the spec's "panics on an unrecognized identifier, a
// registration-time programmer error rather than a runtime dispatch error" contract with the
// identifier spelled as an index instead of a name Go cannot recover.
//
// The id defaults to runtime.FuncForPC(reflect.ValueOf(defaultImpl).Pointer()).Name(), the Go
// analogue of spec.md's "module:qualname".
func (l *Library) MakeDispatchable(defaultImpl any, dispatchedParams []int, opts ...DispatchableOption) *Dispatchable {
	v := reflect.ValueOf(defaultImpl)
	if v.Kind() != reflect.Func {
		panic("dispatch: MakeDispatchable requires a function value")
	}
	cfg := dispatchableConfig{id: runtime.FuncForPC(v.Pointer()).Name()}
	for _, opt := range opts {
		opt(&cfg)
	}

	numIn := v.Type().NumIn()
	arity := numIn
	if cfg.usesContext {
		if numIn == 0 {
			panic("dispatch: a uses_context dispatchable's default implementation must accept the DispatchContext as its first parameter")
		}
		arity = numIn - 1
	}

	seen := make(map[int]bool, len(dispatchedParams))
	for _, p := range dispatchedParams {
		if p < 0 || p >= arity {
			panic(fmt.Sprintf("dispatch: dispatched parameter position %d out of range for %q (%d argument(s))", p, cfg.id, arity))
		}
		if seen[p] {
			panic(fmt.Sprintf("dispatch: dispatched parameter position %d listed more than once for %q", p, cfg.id))
		}
		seen[p] = true
	}

	d := &Dispatchable{
		lib: l,
		inner: &engine.Dispatchable{
			ID:         cfg.id,
			Dispatched: append([]int(nil), dispatchedParams...),
		},
		defImpl: v,
		arity:   arity,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.defaultBackend.Functions[cfg.id]; exists {
		panic(fmt.Sprintf("dispatch: a dispatchable with id %q is already registered", cfg.id))
	}
	ref := "default:" + cfg.id
	l.defaultImpls[ref] = defaultImpl
	l.defaultBackend.Functions[cfg.id] = &backend.FunctionBinding{
		ImplementationRef: ref,
		UsesContext:       cfg.usesContext,
		ShouldRun:         cfg.shouldRun,
	}

	return d
}

// Call dispatches args through the Dispatch Engine: the engine picks (in priority order) the
// first installed backend whose declared types accept the argument type multiset and whose
// should_run (if any) accepts the call, falling back to defaultImpl if nothing else matches.
func (d *Dispatchable) Call(args ...any) (any, error) {
	if len(args) != d.arity {
		return nil, fmt.Errorf("dispatch: %s expects %d argument(s), got %d", d.inner.ID, d.arity, len(args))
	}
	rv := make([]reflect.Value, len(args))
	for i, a := range args {
		rv[i] = reflect.ValueOf(a)
	}
	result, err := d.lib.dispatcher.Call(d.inner, rv)
	if err != nil {
		return nil, err
	}
	if !result.IsValid() {
		return nil, nil
	}
	return result.Interface(), nil
}

// Preview returns the ordered backend names Call would try for the given arguments, without
// executing anything — the introspection operation spec.md §9 flags as a gap.
func (d *Dispatchable) Preview(args ...any) ([]string, error) {
	if len(args) != d.arity {
		return nil, fmt.Errorf("dispatch: %s expects %d argument(s), got %d", d.inner.ID, d.arity, len(args))
	}
	rv := make([]reflect.Value, len(args))
	for i, a := range args {
		rv[i] = reflect.ValueOf(a)
	}
	plan, err := d.lib.dispatcher.Preview(d.inner, rv)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(plan))
	for i, c := range plan {
		names[i] = c.BackendName
	}
	return names, nil
}

// Invoke0 calls a zero-dispatched-argument Dispatchable, the shape of a forced-type-only
// dispatchable such as random-number generation (spec.md's glossary example: nothing in the
// argument list to infer a type from, so the caller forces one via BackendOpts(WithType(...))).
func Invoke0[R any](d *Dispatchable) (R, error) {
	out, err := d.Call()
	return castResult[R](out, err)
}

// Invoke1 calls a one-argument Dispatchable with a generic result type, so callers do not have to
// type-assert the any Call returns.
func Invoke1[A, R any](d *Dispatchable, a A) (R, error) {
	out, err := d.Call(a)
	return castResult[R](out, err)
}

// Invoke2 is Invoke1 for two arguments.
func Invoke2[A, B, R any](d *Dispatchable, a A, b B) (R, error) {
	out, err := d.Call(a, b)
	return castResult[R](out, err)
}

// Invoke3 is Invoke1 for three arguments.
func Invoke3[A, B, C, R any](d *Dispatchable, a A, b B, c C) (R, error) {
	out, err := d.Call(a, b, c)
	return castResult[R](out, err)
}

func castResult[R any](out any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("dispatch: result of type %T does not satisfy the requested result type", out)
	}
	return r, nil
}

func splitOrdered(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
