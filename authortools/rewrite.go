package authortools

import (
	"fmt"
	"io"

	"github.com/dispatchkit/dispatch/entrypoint"
	"gopkg.in/yaml.v3"
)

// shouldRunSuffix distinguishes a registration's should_run locator from its implementation
// locator; both point at the same backend package, just different registered symbols.
const shouldRunSuffix = "#should_run"

// RewriteDecl is the offline utility of spec.md §4.8: it merges reg's recorded tuples into
// existing's functions section under backendName, leaving every other field of existing (name,
// primary_types, priority hints, ...) untouched. Function entries reg does not mention are kept
// as written; entries reg does mention are overwritten, since the registry is authoritative once
// a backend package has registered an implementation in code. It is never imported by engine,
// backend, or cache — only by cmd/dispatchctl and the backend author's own build tooling.
func RewriteDecl(existing *entrypoint.Decl, backendName string, reg *Registry) (*entrypoint.Decl, error) {
	if existing == nil {
		return nil, fmt.Errorf("authortools: RewriteDecl: existing declaration is nil")
	}

	functions := make(map[string]entrypoint.FunctionDecl, len(existing.Functions))
	for id, fd := range existing.Functions {
		functions[id] = fd
	}

	for _, reg := range reg.Registrations() {
		fd := entrypoint.FunctionDecl{
			Function:       implRef(backendName, reg.LibFnID),
			UsesContext:    reg.UsesContext,
			AdditionalDocs: reg.AdditionalDocs,
		}
		if reg.ShouldRun != nil {
			fd.ShouldRun = implRef(backendName, reg.LibFnID) + shouldRunSuffix
		}
		functions[reg.LibFnID] = fd
	}

	rewritten := *existing
	rewritten.Functions = functions
	return &rewritten, nil
}

// yamlDecl mirrors entrypoint's own unexported rawDecl shape; WriteYAML builds one from a Decl's
// already-validated, exported fields since entrypoint does not expose its YAML-shaped struct.
type yamlDecl struct {
	Name               string                      `yaml:"name"`
	PrimaryTypes       []string                    `yaml:"primary_types,omitempty"`
	SecondaryTypes     []string                    `yaml:"secondary_types,omitempty"`
	RequiresOptIn      bool                        `yaml:"requires_opt_in"`
	HigherPriorityThan []string                    `yaml:"higher_priority_than,omitempty"`
	LowerPriorityThan  []string                    `yaml:"lower_priority_than,omitempty"`
	Functions          map[string]yamlFunctionDecl `yaml:"functions"`
}

type yamlFunctionDecl struct {
	Function       string `yaml:"function"`
	ShouldRun      string `yaml:"should_run,omitempty"`
	UsesContext    bool   `yaml:"uses_context,omitempty"`
	AdditionalDocs string `yaml:"additional_docs,omitempty"`
}

// WriteYAML writes decl back to its declaration-file textual form (spec.md §8's round-trip
// property: Load(WriteYAML(Load(f))) is logically equal to Load(f)).
func WriteYAML(w io.Writer, decl *entrypoint.Decl) error {
	out := yamlDecl{
		Name:               decl.Name,
		RequiresOptIn:      decl.RequiresOptIn,
		HigherPriorityThan: decl.HigherPriorityThan,
		LowerPriorityThan:  decl.LowerPriorityThan,
		Functions:          make(map[string]yamlFunctionDecl, len(decl.Functions)),
	}
	for _, s := range decl.PrimaryTypes {
		out.PrimaryTypes = append(out.PrimaryTypes, s.String())
	}
	for _, s := range decl.SecondaryTypes {
		out.SecondaryTypes = append(out.SecondaryTypes, s.String())
	}
	for id, fd := range decl.Functions {
		out.Functions[id] = yamlFunctionDecl{
			Function:       fd.Function,
			ShouldRun:      fd.ShouldRun,
			UsesContext:    fd.UsesContext,
			AdditionalDocs: fd.AdditionalDocs,
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
