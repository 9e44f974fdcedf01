package entrypoint

import (
	"fmt"
	"io"

	"github.com/dispatchkit/dispatch/typekey"
	"gopkg.in/yaml.v3"
)

// Decl is a fully parsed and validated backend declaration, the in-memory form of a declaration
// file (spec.md §6). Symbol resolution of ImplementationRef strings is deferred; Decl only
// validates their textual shape.
type Decl struct {
	Name               string
	PrimaryTypes       []typekey.Spec
	SecondaryTypes     []typekey.Spec
	RequiresOptIn      bool
	HigherPriorityThan []string
	LowerPriorityThan  []string
	Functions          map[string]FunctionDecl
}

// FunctionDecl is one dispatchable function's binding within a Decl.
type FunctionDecl struct {
	Function       string // "m:n" implementation_ref, resolved lazily
	ShouldRun      string // optional "m:n" predicate locator
	UsesContext    bool
	AdditionalDocs string
}

// rawDecl is the literal YAML shape, kept separate from Decl so the table-oriented textual
// format (arbitrary indentation, string TypeSpecs, a synthetic "defaults" function key) doesn't
// leak into the validated, ready-to-use Decl type.
type rawDecl struct {
	Name               string                 `yaml:"name"`
	PrimaryTypes       []string               `yaml:"primary_types"`
	SecondaryTypes     []string               `yaml:"secondary_types"`
	RequiresOptIn      *bool                  `yaml:"requires_opt_in"`
	HigherPriorityThan []string               `yaml:"higher_priority_than"`
	LowerPriorityThan  []string               `yaml:"lower_priority_than"`
	Functions          map[string]rawFunction `yaml:"functions"`
}

type rawFunction struct {
	Function       string `yaml:"function"`
	ShouldRun      string `yaml:"should_run"`
	UsesContext    *bool  `yaml:"uses_context"`
	AdditionalDocs string `yaml:"additional_docs"`
}

// defaultsKey is the synthetic function-id that supplies fallback field values for every other
// function entry that omits them, per spec.md §6 ("functions.defaults.*").
const defaultsKey = "defaults"

// Load parses and validates a declaration file read from r, checking it against entryName (the
// name the entry-point source listed it under). Validation failures are returned as a single
// error; callers wrap it into a diagnostic.ConfigError with the backend name attached.
func Load(r io.Reader, entryName string) (*Decl, error) {
	var raw rawDecl
	dec := yaml.NewDecoder(r)
	dec.KnownFields(false)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse declaration: %w", err)
	}
	return validate(raw, entryName)
}

func validate(raw rawDecl, entryName string) (*Decl, error) {
	if raw.Name == "" {
		return nil, fmt.Errorf("missing required field \"name\"")
	}
	if raw.Name != entryName {
		return nil, fmt.Errorf("declared name %q does not match entry-point name %q", raw.Name, entryName)
	}

	primary, err := parseSpecs("primary_types", raw.PrimaryTypes)
	if err != nil {
		return nil, err
	}
	secondary, err := parseSpecs("secondary_types", raw.SecondaryTypes)
	if err != nil {
		return nil, err
	}

	requiresOptIn := len(primary) > 0 // spec.md §6 default
	if raw.RequiresOptIn != nil {
		requiresOptIn = *raw.RequiresOptIn
	}

	defaults, hasDefaults := raw.Functions[defaultsKey]

	functions := make(map[string]FunctionDecl, len(raw.Functions))
	for id, fn := range raw.Functions {
		if id == defaultsKey {
			continue
		}
		merged := fn
		if hasDefaults {
			if merged.Function == "" {
				merged.Function = defaults.Function
			}
			if merged.ShouldRun == "" {
				merged.ShouldRun = defaults.ShouldRun
			}
			if merged.UsesContext == nil {
				merged.UsesContext = defaults.UsesContext
			}
			if merged.AdditionalDocs == "" {
				merged.AdditionalDocs = defaults.AdditionalDocs
			}
		}

		if merged.Function == "" {
			return nil, fmt.Errorf("function %q: missing required field \"function\"", id)
		}
		if !isRefShape(merged.Function) {
			return nil, fmt.Errorf("function %q: implementation_ref %q is not of \"m:n\" shape", id, merged.Function)
		}
		if merged.ShouldRun != "" && !isRefShape(merged.ShouldRun) {
			return nil, fmt.Errorf("function %q: should_run %q is not of \"m:n\" shape", id, merged.ShouldRun)
		}

		usesContext := false
		if merged.UsesContext != nil {
			usesContext = *merged.UsesContext
		}

		functions[id] = FunctionDecl{
			Function:       merged.Function,
			ShouldRun:      merged.ShouldRun,
			UsesContext:    usesContext,
			AdditionalDocs: merged.AdditionalDocs,
		}
	}

	return &Decl{
		Name:               raw.Name,
		PrimaryTypes:       primary,
		SecondaryTypes:     secondary,
		RequiresOptIn:      requiresOptIn,
		HigherPriorityThan: raw.HigherPriorityThan,
		LowerPriorityThan:  raw.LowerPriorityThan,
		Functions:          functions,
	}, nil
}

func parseSpecs(field string, raw []string) ([]typekey.Spec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]typekey.Spec, 0, len(raw))
	for _, s := range raw {
		spec, err := typekey.ParseSpec(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// isRefShape reports whether s has the "m:n" locator shape required of implementation_ref and
// should_run fields (symbol resolution itself happens later, lazily).
func isRefShape(s string) bool {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			idx = i
		}
	}
	return idx > 0 && idx < len(s)-1
}
