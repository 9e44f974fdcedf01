package entrypoint

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DirSource is the one concrete Source shipped with the engine: it scans a directory for
// "*.yaml"/"*.yml" declaration files and treats each file's base name (extension stripped) as the
// entry-point name. This is the filesystem analogue of scanning installed packaging metadata for
// a named entry-point group — the actual group name is carried by which directory the integrating
// library points DirSource at, not encoded here.
type DirSource struct {
	Dir string
}

// NewDirSource returns a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

// List implements Source.
func (s *DirSource) List() ([]Entry, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("entrypoint: list %s: %w", s.Dir, err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		out = append(out, Entry{Name: name, Locator: filepath.Join(s.Dir, e.Name())})
	}
	return out, nil
}

// Open implements Source.
func (s *DirSource) Open(locator string) (io.ReadCloser, error) {
	f, err := os.Open(locator)
	if err != nil {
		return nil, fmt.Errorf("entrypoint: open %s: %w", locator, err)
	}
	return f, nil
}
