package backend

import (
	"sort"
	"strings"
	"sync"

	"github.com/dispatchkit/dispatch/backend/internal/regtoken"
	"github.com/dispatchkit/dispatch/config"
	"github.com/dispatchkit/dispatch/declcache"
	"github.com/dispatchkit/dispatch/diagnostic"
	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/dispatchkit/dispatch/typekey"
)

// BackendBinding pairs a Backend with one of its FunctionBindings, the unit Registry.Lookup
// returns in priority order.
type BackendBinding struct {
	Backend *Backend
	Binding *FunctionBinding
}

// BuildConfig supplies the registry-construction inputs not carried by the Source itself.
type BuildConfig struct {
	// Block is the raw <PREFIX>_BLOCK env value: a comma-separated list of backend names to
	// exclude from discovery entirely.
	Block string
	// SetOrder is the raw <PREFIX>_SET_ORDER env value: a comma-separated, highest-to-lowest
	// ordering of backend names, taking precedence over every other priority signal.
	SetOrder string
	// Resolvers supplies each discovered backend's SymbolResolver, keyed by backend name.
	// A backend with no entry gets a resolver that errors on first use, deferred until a
	// function binding is actually resolved.
	Resolvers map[string]SymbolResolver
	// Default, if non-nil, is registered as the "default" pseudo-backend in addition to
	// whatever the Source discovers (none of the declaration-file backends may be named
	// "default"; that is reserved).
	Default *Backend
	// DeclCacheDir, if non-empty, enables the on-disk compiled-declaration cache (package
	// declcache) as an accelerator in front of declaration parsing. Leave empty to disable it
	// (the default); a disabled or cold cache only affects latency, never dispatch semantics.
	DeclCacheDir string
}

// Registry is the resolved, (mostly) immutable view of every installed backend: which backends
// exist, and the total order the engine consults them in.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string
	onMutate []func()
}

// Build discovers backends from src, applies the block-list, resolves the priority DAG, and
// returns the resulting Registry alongside a diagnostic.Report of every recoverable problem
// found along the way (a malformed backend is isolated and omitted, never fatal to the whole
// build; a declaration claiming the reserved name "default" is rejected the same way).
func Build(src entrypoint.Source, cfg BuildConfig) (*Registry, *diagnostic.Report) {
	report := diagnostic.NewReport()
	blocked := entrypoint.ParseBlockList(cfg.Block)

	entries, err := src.List()
	if err != nil {
		report.AddConfigError("*", err.Error())
		entries = nil
	}
	entries, rejected := entrypoint.Dedup(entries)
	for _, name := range rejected {
		report.AddConfigError(name, "duplicate entry-point name; later declaration ignored")
	}
	entries = entrypoint.FilterBlocked(entries, blocked)

	backends := map[string]*Backend{}
	if cfg.Default != nil {
		backends[DefaultName] = cfg.Default
	} else {
		backends[DefaultName] = NewDefaultBackend()
	}

	for _, e := range entries {
		if e.Name == DefaultName {
			report.AddConfigError(e.Name, `backend name "default" is reserved`)
			continue
		}
		b, err := loadBackend(src, e, cfg.Resolvers[e.Name], cfg.DeclCacheDir)
		if err != nil {
			report.AddConfigError(e.Name, err.Error())
			continue
		}
		unregistered := ""
		for _, s := range b.AllTypes() {
			if s.Kind == typekey.Abstract && !typekey.IsAbstractRegistered(s.Key) {
				unregistered = s.String()
				break
			}
		}
		if unregistered != "" {
			report.AddConfigError(e.Name, "abstract type spec "+unregistered+" has no registered hook")
			continue
		}
		backends[b.Name] = b
	}

	order := resolveOrder(backends, cfg.SetOrder, report)

	return &Registry{backends: backends, order: order}, report
}

func loadBackend(src entrypoint.Source, e entrypoint.Entry, resolver SymbolResolver, cacheDir string) (*Backend, error) {
	var cacheKey string
	if cacheDir != "" {
		if key, ok := declcache.KeyFor(e.Locator); ok {
			cacheKey = key
			if decl, hit := declcache.Load(cacheDir, key); hit {
				return backendFromDecl(decl, resolver), nil
			}
		}
	}

	r, err := src.Open(e.Locator)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	decl, err := entrypoint.Load(r, e.Name)
	if err != nil {
		return nil, err
	}

	if cacheDir != "" && cacheKey != "" {
		_ = declcache.Store(cacheDir, cacheKey, decl) // accelerator only; a failed write never fails the build
	}

	return backendFromDecl(decl, resolver), nil
}

func backendFromDecl(decl *entrypoint.Decl, resolver SymbolResolver) *Backend {
	functions := make(map[string]*FunctionBinding, len(decl.Functions))
	for id, fd := range decl.Functions {
		functions[id] = &FunctionBinding{
			ImplementationRef: fd.Function,
			ShouldRunRef:      fd.ShouldRun,
			UsesContext:       fd.UsesContext,
			AdditionalDocs:    fd.AdditionalDocs,
		}
	}

	return &Backend{
		Name:               decl.Name,
		PrimaryTypes:       decl.PrimaryTypes,
		SecondaryTypes:     decl.SecondaryTypes,
		RequiresOptIn:      decl.RequiresOptIn,
		HigherPriorityThan: decl.HigherPriorityThan,
		LowerPriorityThan:  decl.LowerPriorityThan,
		Functions:          functions,
		Resolver:           resolver,
	}
}

// Lookup returns every backend's binding for fnID, in the registry's resolved priority order
// (highest priority first). Backends that do not bind fnID at all are omitted.
func (r *Registry) Lookup(fnID string) []BackendBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendBinding, 0, len(r.order))
	for _, name := range r.order {
		b := r.backends[name]
		if b == nil {
			continue
		}
		if fb, ok := b.Functions[fnID]; ok {
			out = append(out, BackendBinding{Backend: b, Binding: fb})
		}
	}
	return out
}

// Backends returns every currently registered backend, in resolved priority order. Exposed for
// introspection (Preview, diagnostics, declcache warm-up) rather than the dispatch hot path.
func (r *Registry) Backends() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Backend, 0, len(r.order))
	for _, name := range r.order {
		if b := r.backends[name]; b != nil {
			out = append(out, b)
		}
	}
	return out
}

// OnMutate subscribes fn to be called whenever Register succeeds, the hook the dispatch cache
// uses to invalidate itself.
func (r *Registry) OnMutate(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMutate = append(r.onMutate, fn)
}

// Register adds or replaces a backend after Build has already run, re-resolving the priority
// order. It requires the privileged regtoken.Token, which only code within the backend package's
// own tree can mint (see package regtoken); other callers holding a *Registry cannot mutate it.
func (r *Registry) Register(_ regtoken.Token, b *Backend, cfg BuildConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.Name == DefaultName {
		return &diagnostic.ConfigError{Backend: b.Name, Reason: `backend name "default" is reserved`}
	}

	r.backends[b.Name] = b
	report := diagnostic.NewReport()
	r.order = resolveOrder(r.backends, cfg.SetOrder, report)

	for _, fn := range r.onMutate {
		fn()
	}
	return nil
}

// RegisterExternal is the error path a non-privileged caller takes: any attempt to mutate a
// built Registry from outside this module's own packages is rejected, per spec.md's "the
// registry is effectively append-only from the outside once built" intent.
func (r *Registry) RegisterExternal(*Backend) error {
	return &diagnostic.RegistryFrozen{Operation: "register"}
}

type edgeRank int

const (
	rankTypeDerived edgeRank = iota
	rankHint
	rankSetOrder
)

type edge struct {
	from, to string
	rank     edgeRank
}

// resolveOrder builds the priority DAG from (in ascending precedence) type-derived subset edges,
// explicit higher/lower_priority_than hints, and the <PREFIX>_SET_ORDER env override, then
// topologically sorts it with Kahn's algorithm. On an unresolvable cycle the lowest-precedence
// edge still present in the stuck node set is dropped and the sort retried, with one CycleError
// recorded per drop.
func resolveOrder(backends map[string]*Backend, setOrderEnv string, report *diagnostic.Report) []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > config.MaxPriorityDAGNodes {
		names = names[:config.MaxPriorityDAGNodes]
	}
	nameSet := make(map[string]bool, len(names))
	for _, n := range names {
		nameSet[n] = true
	}

	var edges []edge
	edges = append(edges, typeDerivedEdges(backends, names)...)
	edges = append(edges, hintEdges(backends, nameSet)...)
	edges = append(edges, setOrderEdges(setOrderEnv, nameSet)...)

	for {
		order, stuck := kahnSort(names, edges)
		if len(stuck) == 0 {
			return order
		}
		dropped := lowestPrecedenceEdgeAmong(edges, stuck)
		if dropped < 0 {
			// Defensive: stuck nodes but nothing to drop among them means a bug in edge
			// construction, not a real cycle. Fall back to the partial order plus the
			// remaining stuck nodes, alphabetically, rather than looping forever.
			sort.Strings(stuck)
			return append(order, stuck...)
		}
		d := edges[dropped]
		report.AddCycleError(stuck, d.from+">"+d.to)
		edges = append(edges[:dropped:dropped], edges[dropped+1:]...)
	}
}

// typeDerivedEdges adds b>a whenever b's declared types are a strict subset of a's in the
// subclass lattice (a more specific backend outranks a more general one), per spec.md §4.3.
// Backends with any Abstract spec, or with no declared types at all (including "default"), are
// excluded from this comparison — their relative order is left to hints/SET_ORDER/tie-break.
func typeDerivedEdges(backends map[string]*Backend, names []string) []edge {
	var edges []edge
	for _, a := range names {
		ba := backends[a]
		specsA := ba.AllTypes()
		if len(specsA) == 0 || !typekey.Comparable(specsA) {
			continue
		}
		for _, b := range names {
			if a == b {
				continue
			}
			bb := backends[b]
			specsB := bb.AllTypes()
			if len(specsB) == 0 || !typekey.Comparable(specsB) {
				continue
			}
			if typekey.StrictSubset(specsB, specsA) {
				// b's declared types are a strict subset of a's: b is the more specific
				// backend and should be tried first.
				edges = append(edges, edge{from: b, to: a, rank: rankTypeDerived})
			}
		}
	}
	return edges
}

func hintEdges(backends map[string]*Backend, nameSet map[string]bool) []edge {
	var edges []edge
	for name, b := range backends {
		for _, other := range b.HigherPriorityThan {
			if nameSet[other] {
				edges = append(edges, edge{from: name, to: other, rank: rankHint})
			}
		}
		for _, other := range b.LowerPriorityThan {
			if nameSet[other] {
				edges = append(edges, edge{from: other, to: name, rank: rankHint})
			}
		}
	}
	return edges
}

// setOrderEdges parses the <PREFIX>_SET_ORDER env value, a comma-separated list naming backends
// highest-to-lowest, into a chain of edges. Unknown names are silently ignored, per spec.md §7.
func setOrderEdges(raw string, nameSet map[string]bool) []edge {
	var names []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" || !nameSet[name] {
			continue
		}
		names = append(names, name)
	}
	var edges []edge
	for i := 0; i+1 < len(names); i++ {
		edges = append(edges, edge{from: names[i], to: names[i+1], rank: rankSetOrder})
	}
	return edges
}

// kahnSort runs Kahn's algorithm over names/edges, breaking ties among simultaneously-ready nodes
// alphabetically, with "default" pushed behind any other ready node. It returns the order found
// so far plus the set of nodes that could not be placed (non-empty only when a cycle remains).
func kahnSort(names []string, edges []edge) (order []string, stuck []string) {
	indegree := make(map[string]int, len(names))
	adj := make(map[string][]string, len(names))
	for _, n := range names {
		indegree[n] = 0
	}
	for _, e := range edges {
		adj[e.from] = append(adj[e.from], e.to)
		indegree[e.to]++
	}

	ready := map[string]bool{}
	for _, n := range names {
		if indegree[n] == 0 {
			ready[n] = true
		}
	}

	placed := make(map[string]bool, len(names))
	for len(order) < len(names) {
		next, ok := pickNext(ready, placed)
		if !ok {
			break
		}
		delete(ready, next)
		placed[next] = true
		order = append(order, next)
		for _, to := range adj[next] {
			indegree[to]--
			if indegree[to] == 0 && !placed[to] {
				ready[to] = true
			}
		}
	}

	if len(order) == len(names) {
		return order, nil
	}
	for _, n := range names {
		if !placed[n] {
			stuck = append(stuck, n)
		}
	}
	sort.Strings(stuck)
	return order, stuck
}

func pickNext(ready map[string]bool, _ map[string]bool) (string, bool) {
	if len(ready) == 0 {
		return "", false
	}
	var candidates []string
	for n := range ready {
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aDefault, bDefault := a == DefaultName, b == DefaultName
		if aDefault != bDefault {
			return !aDefault // non-default sorts first
		}
		return a < b
	})
	return candidates[0], true
}

// lowestPrecedenceEdgeAmong returns the index of the lowest-rank edge whose endpoints are both in
// stuck, or -1 if none exists.
func lowestPrecedenceEdgeAmong(edges []edge, stuck []string) int {
	stuckSet := make(map[string]bool, len(stuck))
	for _, n := range stuck {
		stuckSet[n] = true
	}
	best := -1
	for i, e := range edges {
		if !stuckSet[e.from] || !stuckSet[e.to] {
			continue
		}
		if best == -1 || edges[i].rank < edges[best].rank {
			best = i
		}
	}
	return best
}
