// Package prefstate implements the Preference State: the per-goroutine stack of scopes that
// narrow or force backend selection, plus the one process-global default frame.
package prefstate

import (
	"sync"
	"sync/atomic"

	"github.com/dispatchkit/dispatch/cache"
	"github.com/dispatchkit/dispatch/diagnostic"
	"github.com/dispatchkit/dispatch/typekey"
	"github.com/dispatchkit/dispatch/util/orderedmap"
)

// State is an immutable snapshot of the preference stack at a point in time, the value handed to
// backends via backend.Context.Prefs.
type State struct {
	Prioritize []string
	Type       *typekey.Key
	Trace      diagnostic.Sink
}

// frame is one entry pushed by Open; frames form a singly-linked stack per goroutine.
type frame struct {
	prioritize []string
	typ        *typekey.Key
	trace      diagnostic.Sink
	parent     *frame
}

var (
	stacksMu sync.Mutex
	stacks   = map[int64]*frame{}
)

func currentFrame() *frame {
	stacksMu.Lock()
	defer stacksMu.Unlock()
	return stacks[goroutineID()]
}

func setFrame(f *frame) {
	stacksMu.Lock()
	defer stacksMu.Unlock()
	id := goroutineID()
	if f == nil {
		delete(stacks, id)
		return
	}
	stacks[id] = f
}

// Option configures a Scope opened with Open.
type Option func(*frame)

// WithPrioritize appends names to the scope's prioritize list, innermost-scope order.
func WithPrioritize(names ...string) Option {
	return func(f *frame) { f.prioritize = append(f.prioritize, names...) }
}

// WithType forces dispatch to the named type for the lifetime of the scope.
func WithType(k typekey.Key) Option {
	return func(f *frame) { f.typ = &k }
}

// WithTrace attaches a trace sink to the scope; calls made within it (and within any nested
// scope that does not itself set a trace) record to it.
func WithTrace(s diagnostic.Sink) Option {
	return func(f *frame) { f.trace = s }
}

// Scope is a pushed preference frame; Close pops it. Scope satisfies io.Closer so callers can
// write the idiomatic `scope := prefstate.Open(...); defer scope.Close()`.
type Scope struct {
	pushed *frame
	prior  *frame
	closed bool
}

// Open pushes a new preference frame onto the calling goroutine's stack and returns a Scope that
// pops it again on Close. Options compose; omitted fields leave the corresponding attribute
// unset, so Current() falls through to an enclosing scope (or the global default).
func Open(opts ...Option) *Scope {
	prior := currentFrame()
	f := &frame{parent: prior}
	for _, opt := range opts {
		opt(f)
	}
	setFrame(f)
	return &Scope{pushed: f, prior: prior}
}

// Close pops the scope's frame. Close is idempotent and safe to call via defer even if the
// goroutine's stack was already unwound by a panicking callee, as long as nothing else pushed a
// frame on top of this one first (pushing/popping out of LIFO order is a programmer error, same
// as the source's context-manager stack it adapts).
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	setFrame(s.prior)
	return nil
}

// WithScope opens a scope, runs fn, and closes the scope again regardless of fn's outcome,
// mirroring how a caller would use Open/Close with defer but as a single expression.
func WithScope(fn func() error, opts ...Option) error {
	scope := Open(opts...)
	defer scope.Close()
	return fn()
}

// global is the process-wide default frame set by EnableGlobally; consulted only when the calling
// goroutine has no frame of its own.
var global atomic.Pointer[frame]

// EnableGlobally installs a process-wide default preference state, consulted by every goroutine
// that has not opened its own scope. Calling it with no options clears it.
func EnableGlobally(opts ...Option) {
	if len(opts) == 0 {
		global.Store(nil)
		return
	}
	f := &frame{}
	for _, opt := range opts {
		opt(f)
	}
	global.Store(f)
}

// Current collapses the calling goroutine's scope stack (innermost first) and the global default
// frame into one State: the innermost non-nil Type and Trace win, and Prioritize lists
// concatenate innermost-first with first-occurrence de-duplication.
func Current() State {
	var (
		seen  = orderedmap.New[string, struct{}]()
		typ   *typekey.Key
		trace diagnostic.Sink
	)

	for f := currentFrame(); f != nil; f = f.parent {
		for _, name := range f.prioritize {
			if _, ok := seen.Load(name); !ok {
				seen.Store(name, struct{}{})
			}
		}
		if typ == nil && f.typ != nil {
			typ = f.typ
		}
		if trace == nil && f.trace != nil {
			trace = f.trace
		}
	}

	if g := global.Load(); g != nil {
		for _, name := range g.prioritize {
			if _, ok := seen.Load(name); !ok {
				seen.Store(name, struct{}{})
			}
		}
		if typ == nil && g.typ != nil {
			typ = g.typ
		}
		if trace == nil && g.trace != nil {
			trace = g.trace
		}
	}

	return State{Prioritize: seen.Keys(), Type: typ, Trace: trace}
}

// Fingerprint projects a State down to its cacheable PreferenceFingerprint, excluding Trace.
func Fingerprint(s State) cache.PreferenceFingerprint {
	return cache.Fingerprint(s.Prioritize, s.Type)
}
