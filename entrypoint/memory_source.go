package entrypoint

import (
	"fmt"
	"io"
	"strings"
)

// MemorySource is an in-memory Source, used by tests throughout this module (and by consumers of
// it) in place of a real packaging-metadata scan.
type MemorySource struct {
	order   []string
	entries map[string]string // name -> declaration file content
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{entries: map[string]string{}}
}

// Add registers a backend declaration under name, keeping insertion order for List.
func (s *MemorySource) Add(name, content string) *MemorySource {
	if _, exists := s.entries[name]; !exists {
		s.order = append(s.order, name)
	}
	s.entries[name] = content
	return s
}

// List implements Source.
func (s *MemorySource) List() ([]Entry, error) {
	out := make([]Entry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, Entry{Name: name, Locator: name})
	}
	return out, nil
}

// Open implements Source.
func (s *MemorySource) Open(locator string) (io.ReadCloser, error) {
	content, ok := s.entries[locator]
	if !ok {
		return nil, fmt.Errorf("entrypoint: no entry registered for locator %q", locator)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}
