package prefstate

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id by parsing the header line of its own
// stack trace ("goroutine 123 [running]:"). Go deliberately exposes no public goroutine-local
// storage API; this is the well-known technique long used by goroutine-local-storage shims (the
// `jtolds/gls`-style approach) and is the documented stdlib-only exception recorded in
// DESIGN.md — every other cross-cutting concern in this module reaches for a pack dependency
// instead.
//
// It runs once per Open, Close and Current call; since the engine calls Current on every
// dispatched call, each dispatch pays for one stack-header capture and parse.
func goroutineID() int64 {
	buf := make([]byte, 64)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return 0
	}
	rest := buf[len(prefix):]
	sp := bytes.IndexByte(rest, ' ')
	if sp < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(rest[:sp]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
