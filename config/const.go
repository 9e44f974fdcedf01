// Package config hosts the dispatch engine's environment-variable naming scheme and the small set
// of non-user-configurable tuning constants, mirroring how the teacher's config package separates
// "things a user sets" from "things only developers adjust."
package config

import "fmt"

// Names is the set of environment variable names an integrating library exposes for a chosen
// prefix, per spec.md §6.
type Names struct {
	Prioritize  string
	Block       string
	SetOrder    string
	NoDeclCache string
}

// EnvNames builds the Names for a given prefix (e.g. "SCIPY" yields "SCIPY_PRIORITIZE", ...).
func EnvNames(prefix string) Names {
	return Names{
		Prioritize:  fmt.Sprintf("%s_PRIORITIZE", prefix),
		Block:       fmt.Sprintf("%s_BLOCK", prefix),
		SetOrder:    fmt.Sprintf("%s_SET_ORDER", prefix),
		NoDeclCache: fmt.Sprintf("%s_NO_DECL_CACHE", prefix),
	}
}

// MaxPriorityDAGNodes is a sanity cap on the number of distinct backend names the priority DAG
// is built over. When more backends are registered, only the first MaxPriorityDAGNodes names in
// sorted order enter the resolved order; the rest are left out of it. It is not meant to be tuned
// by users.
const MaxPriorityDAGNodes = 4096

// DefaultCacheSizeHint is a sizing hint for the dispatch cache, chosen for a library with a modest
// number of dispatchable functions and backends. The cache is backed by a sync.Map, which takes no
// initial size, so package cache does not read this value; the cache grows without bound.
const DefaultCacheSizeHint = 256
