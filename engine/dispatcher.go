// Package engine implements the Dispatch Engine: per-call candidate-plan construction, the
// should_run/defer/error state machine, and trace recording.
package engine

import (
	"reflect"

	"github.com/dispatchkit/dispatch/backend"
	"github.com/dispatchkit/dispatch/cache"
	"github.com/dispatchkit/dispatch/diagnostic"
	"github.com/dispatchkit/dispatch/prefstate"
	"github.com/dispatchkit/dispatch/typekey"
)

// Context is the DispatchContext of spec.md §3, passed to should_run and, for context-aware
// implementations, as their first argument. It is defined in package backend (so FunctionBinding
// can reference it without an import cycle back into engine); Context is this package's name for
// the same type.
type Context = backend.Context

// Candidate is one entry of a resolved candidate plan.
type Candidate struct {
	BackendName string
	Binding     *backend.FunctionBinding
}

// Plan is the ordered sequence of candidates the engine tries for one call, per spec.md §4.5.
// Plans are pure data; invoking one does not mutate the cache that produced it.
type Plan []Candidate

// Dispatchable is the engine's view of a registered dispatchable function: just enough to build
// and run a plan. The root `dispatch` package wraps this with the user-facing registration API
// (spec.md §4.7); engine never needs anything beyond what is here.
type Dispatchable struct {
	ID         string
	Dispatched []int // argument positions that participate in type dispatch
}

// Dispatcher ties a backend.Registry to a dispatch cache and runs calls through it.
type Dispatcher struct {
	Registry *backend.Registry
	Cache    *cache.Cache[Plan]

	// onState, when set, is called on every state transition of spec.md §4.6's per-call state
	// machine. It exists purely for white-box tests in this package; there is no exported way
	// to set it, matching the state machine's "not part of the public API" status.
	onState func(fnID string, s state)
}

func (d *Dispatcher) transition(fnID string, s state) {
	if d.onState != nil {
		d.onState(fnID, s)
	}
}

// New creates a Dispatcher over reg with a fresh cache, and subscribes the cache to the
// registry's mutation hook so a late Register call invalidates stale plans.
func New(reg *backend.Registry) *Dispatcher {
	d := &Dispatcher{Registry: reg, Cache: cache.New[Plan]()}
	reg.OnMutate(d.Cache.InvalidateAll)
	return d
}

// state is the per-call state machine of spec.md §4.6, exposed only for tracing/tests.
type state int

const (
	stateBuildingPlan state = iota
	stateRunning
	stateDone
	stateError
	stateNoBackend
)

func (s state) String() string {
	switch s {
	case stateBuildingPlan:
		return "BUILDING_PLAN"
	case stateRunning:
		return "RUNNING"
	case stateDone:
		return "DONE"
	case stateError:
		return "ERROR"
	case stateNoBackend:
		return "NO_BACKEND"
	default:
		return "UNKNOWN"
	}
}

// Call implements spec.md §4.6 steps 1–5: it computes the dispatched type multiset, consults (or
// builds and populates) the dispatch cache for the resulting plan, then executes candidates in
// order until one runs, errors, or the plan is exhausted.
func (d *Dispatcher) Call(fn *Dispatchable, args []reflect.Value) (reflect.Value, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		if a.IsValid() {
			anyArgs[i] = a.Interface()
		}
	}

	prefs := prefstate.Current()
	types := typekey.CollectMultiset(anyArgs, fn.Dispatched)
	matchTypes := types
	if prefs.Type != nil {
		matchTypes = unionWithForced(types, *prefs.Type)
	}

	d.transition(fn.ID, stateBuildingPlan)
	fp := prefstate.Fingerprint(prefs)
	key := cache.KeyFor(fn.ID, matchTypes, fp)

	plan := d.Cache.GetOrBuild(key, func() Plan {
		return buildPlan(d.Registry, fn.ID, types, prefs)
	})

	return d.run(fn, plan, prefs, anyArgs)
}

// PreviewPlan resolves the candidate plan for fnID against types directly, with no call
// arguments at all. It is the low-level introspection primitive cmd/dispatchctl's preview
// subcommand and similar tooling build on, where there is no live reflect.Value argument list to
// derive a type multiset from.
func PreviewPlan(reg *backend.Registry, fnID string, types map[typekey.Key]struct{}, prefs prefstate.State) Plan {
	return buildPlan(reg, fnID, types, prefs)
}

// Preview returns the plan Call would execute, without running anything — the introspection
// operation spec.md §9 flags as a gap.
func (d *Dispatcher) Preview(fn *Dispatchable, args []reflect.Value) (Plan, error) {
	anyArgs := make([]any, len(args))
	for i, a := range args {
		if a.IsValid() {
			anyArgs[i] = a.Interface()
		}
	}
	prefs := prefstate.Current()
	types := typekey.CollectMultiset(anyArgs, fn.Dispatched)
	fp := prefstate.Fingerprint(prefs)

	matchTypes := types
	if prefs.Type != nil {
		matchTypes = unionWithForced(types, *prefs.Type)
	}
	key := cache.KeyFor(fn.ID, matchTypes, fp)
	plan := d.Cache.GetOrBuild(key, func() Plan {
		return buildPlan(d.Registry, fn.ID, types, prefs)
	})
	return plan, nil
}

func unionWithForced(types map[typekey.Key]struct{}, forced typekey.Key) map[typekey.Key]struct{} {
	out := make(map[typekey.Key]struct{}, len(types)+1)
	for k := range types {
		out[k] = struct{}{}
	}
	out[forced] = struct{}{}
	return out
}

// buildPlan implements spec.md §4.6 step 3: filter by type acceptance, drop opt-in backends
// unless prioritized (or solely responsible for accepting a forced type), reorder by the
// effective prioritize list, and place default last.
func buildPlan(reg *backend.Registry, fnID string, types map[typekey.Key]struct{}, prefs prefstate.State) Plan {
	bindings := reg.Lookup(fnID)

	matchTypes := types
	if prefs.Type != nil {
		matchTypes = unionWithForced(types, *prefs.Type)
	}

	prioritizeIdx := make(map[string]int, len(prefs.Prioritize))
	for i, name := range prefs.Prioritize {
		if _, exists := prioritizeIdx[name]; !exists {
			prioritizeIdx[name] = i
		}
	}

	var kept []backend.BackendBinding
	for _, bb := range bindings {
		if !bb.Backend.AcceptsAll(matchTypes) {
			continue
		}
		if bb.Backend.RequiresOptIn {
			_, prioritized := prioritizeIdx[bb.Backend.Name]
			forcedOnly := prefs.Type != nil && acceptsForcedOnly(bb.Backend, types, *prefs.Type)
			if !prioritized && !forcedOnly {
				continue
			}
		}
		kept = append(kept, bb)
	}

	prioritized := make([]backend.BackendBinding, 0, len(kept))
	rest := make([]backend.BackendBinding, 0, len(kept))
	for _, bb := range kept {
		if _, ok := prioritizeIdx[bb.Backend.Name]; ok {
			prioritized = append(prioritized, bb)
		} else {
			rest = append(rest, bb)
		}
	}
	sortByPrioritizeOrder(prioritized, prioritizeIdx)

	var defaultBinding *backend.BackendBinding
	ordered := make([]backend.BackendBinding, 0, len(kept))
	for _, bb := range append(prioritized, rest...) {
		if bb.Backend.Name == backend.DefaultName {
			b := bb
			defaultBinding = &b
			continue
		}
		ordered = append(ordered, bb)
	}
	if defaultBinding != nil {
		ordered = append(ordered, *defaultBinding)
	}

	plan := make(Plan, 0, len(ordered))
	for _, bb := range ordered {
		plan = append(plan, Candidate{BackendName: bb.Backend.Name, Binding: bb.Binding})
	}
	return plan
}

// acceptsForcedOnly reports whether backend b accepts forced but would not accept the original
// (unforced) type multiset — i.e. it is only in contention because of the forced type override,
// the carve-out of spec.md §4.6 step c for requires_opt_in backends.
func acceptsForcedOnly(b *backend.Backend, types map[typekey.Key]struct{}, forced typekey.Key) bool {
	if b.AcceptsAll(types) {
		return false
	}
	return b.AcceptsAll(unionWithForced(types, forced))
}

func sortByPrioritizeOrder(bindings []backend.BackendBinding, idx map[string]int) {
	for i := 1; i < len(bindings); i++ {
		for j := i; j > 0 && idx[bindings[j-1].Backend.Name] > idx[bindings[j].Backend.Name]; j-- {
			bindings[j-1], bindings[j] = bindings[j], bindings[j-1]
		}
	}
}

// run executes plan in order, per spec.md §4.6 step 4, recording outcomes to the active trace
// sink (if any) and returning on the first call, the first implementation error, or NoBackend if
// the plan is exhausted.
func (d *Dispatcher) run(fn *Dispatchable, plan Plan, prefs prefstate.State, anyArgs []any) (reflect.Value, error) {
	if len(plan) == 0 {
		return noBackend(d, fn, nil, prefs)
	}

	var outcomes []diagnostic.Outcome
	for _, c := range plan {
		d.transition(fn.ID, stateRunning)
		resolver := resolverFor(d.Registry, c.BackendName)
		if resolver == nil {
			outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Errored})
			recordTrace(prefs, fn.ID, outcomes)
			d.transition(fn.ID, stateError)
			return reflect.Value{}, &diagnostic.ImplementationError{
				Backend: c.BackendName, FnID: fn.ID,
				Err: &unresolvableRefError{ref: c.Binding.ImplementationRef},
			}
		}
		impl, err := c.Binding.Resolve(resolver)
		if err != nil {
			outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Errored})
			recordTrace(prefs, fn.ID, outcomes)
			d.transition(fn.ID, stateError)
			return reflect.Value{}, &diagnostic.ImplementationError{Backend: c.BackendName, FnID: fn.ID, Err: err}
		}

		ctx := &Context{
			Types:       typekey.CollectMultiset(anyArgs, fn.Dispatched),
			ForcedType:  prefs.Type,
			BackendName: c.BackendName,
			Prefs:       prefs,
		}

		shouldRun, srErr := c.Binding.ResolveShouldRun(resolver)
		if srErr != nil {
			outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Errored})
			recordTrace(prefs, fn.ID, outcomes)
			d.transition(fn.ID, stateError)
			return reflect.Value{}, &diagnostic.ImplementationError{Backend: c.BackendName, FnID: fn.ID, Err: srErr}
		}
		if shouldRun != nil && !shouldRun(ctx, anyArgs) {
			outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Deferred})
			continue
		}

		result, callErr := invoke(impl, c.Binding.UsesContext, ctx, anyArgs)
		if callErr != nil {
			outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Errored})
			recordTrace(prefs, fn.ID, outcomes)
			d.transition(fn.ID, stateError)
			return reflect.Value{}, &diagnostic.ImplementationError{Backend: c.BackendName, FnID: fn.ID, Err: callErr}
		}

		outcomes = append(outcomes, diagnostic.Outcome{Backend: c.BackendName, Kind: diagnostic.Called})
		recordTrace(prefs, fn.ID, outcomes)
		d.transition(fn.ID, stateDone)
		return result, nil
	}

	return noBackend(d, fn, outcomes, prefs)
}

func noBackend(d *Dispatcher, fn *Dispatchable, outcomes []diagnostic.Outcome, prefs prefstate.State) (reflect.Value, error) {
	recordTrace(prefs, fn.ID, outcomes)
	d.transition(fn.ID, stateNoBackend)
	return reflect.Value{}, &diagnostic.NoBackendError{FnID: fn.ID, Considered: outcomes}
}

func recordTrace(prefs prefstate.State, fnID string, outcomes []diagnostic.Outcome) {
	if prefs.Trace == nil {
		return
	}
	prefs.Trace.Record(diagnostic.TraceRecord{FnID: fnID, Outcomes: append([]diagnostic.Outcome(nil), outcomes...)})
}

// invoke calls impl (a reflect.Value holding a func) with anyArgs, prepending ctx when the
// binding declared uses_context. Implementation panics are recovered and turned into errors, per
// spec.md §4.6 step 4's "re-raise to the caller" contract applied to Go's error-return idiom.
func invoke(impl any, usesContext bool, ctx *Context, anyArgs []any) (result reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = asError(r)
		}
	}()

	fv := reflect.ValueOf(impl)
	in := make([]reflect.Value, 0, len(anyArgs)+1)
	if usesContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	for _, a := range anyArgs {
		if a == nil {
			in = append(in, reflect.Zero(fv.Type().In(len(in))))
			continue
		}
		in = append(in, reflect.ValueOf(a))
	}

	out := fv.Call(in)
	if len(out) == 0 {
		return reflect.Value{}, nil
	}
	last := out[len(out)-1]
	if last.Type().Implements(errorType) && canBeNil(last.Kind()) && !last.IsNil() {
		return firstOrZero(out), last.Interface().(error)
	}
	return firstOrZero(out), nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func canBeNil(k reflect.Kind) bool {
	switch k {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return true
	default:
		return false
	}
}

func firstOrZero(out []reflect.Value) reflect.Value {
	if len(out) == 0 {
		return reflect.Value{}
	}
	return out[0]
}

func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicError{value: r}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "panic: " + reflectString(e.value) }

func reflectString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return reflect.ValueOf(v).String()
}

type unresolvableRefError struct{ ref string }

func (e *unresolvableRefError) Error() string {
	return "engine: backend has no symbol resolver configured for " + e.ref
}

func resolverFor(reg *backend.Registry, backendName string) backend.SymbolResolver {
	for _, b := range reg.Backends() {
		if b.Name == backendName {
			return b.Resolver
		}
	}
	return nil
}
