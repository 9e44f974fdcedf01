package diagnostic

import (
	"cmp"
	"slices"
	"sync"
)

// Diagnostic is one recorded ConfigError or CycleError, bundled with a stable sort key so
// Report.Records can return a deterministic, human-readable ordering regardless of discovery
// concurrency (ground: diagnostic.Engine's sort-by-position idiom in the teacher, adapted here to
// sort-by-backend-name since the dispatch engine has no source positions to sort by).
type Diagnostic struct {
	Backend string
	Err     error
}

// Report accumulates ConfigErrors (one per broken backend) and CycleErrors (one per dropped edge)
// produced while a Registry is being built. It is safe for concurrent use, since backend
// declarations may be parsed lazily and concurrently by the loader.
type Report struct {
	mu   sync.Mutex
	recs []Diagnostic
}

// NewReport creates an empty Report.
func NewReport() *Report {
	return &Report{}
}

// AddConfigError records a ConfigError against the named backend.
func (r *Report) AddConfigError(backend, reason string) {
	r.add(Diagnostic{Backend: backend, Err: &ConfigError{Backend: backend, Reason: reason}})
}

// AddCycleError records that an edge was dropped to break a priority cycle.
func (r *Report) AddCycleError(backends []string, dropped string) {
	cp := append([]string(nil), backends...)
	r.add(Diagnostic{Err: &CycleError{Backends: cp, Dropped: dropped}})
}

func (r *Report) add(d Diagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, d)
}

// Records returns a stable-sorted copy of all recorded diagnostics (by backend name, then by
// message), leaving the Report itself untouched.
func (r *Report) Records() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Diagnostic(nil), r.recs...)
	slices.SortFunc(out, func(a, b Diagnostic) int {
		if n := cmp.Compare(a.Backend, b.Backend); n != 0 {
			return n
		}
		return cmp.Compare(a.Err.Error(), b.Err.Error())
	})
	return out
}

// Empty reports whether no diagnostics have been recorded.
func (r *Report) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs) == 0
}
