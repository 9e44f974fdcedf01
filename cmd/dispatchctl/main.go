// dispatchctl is the small command-line companion to the Backend-Author Helpers in package
// authortools: an offline declaration-file rewriter and a plan-preview introspection tool. Its
// flag-based shape matches cmd/nilaway/main.go's plain-flag idiom; it is kept deliberately
// minimal since the dispatch engine's own CLI surface is explicitly out of scope.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dispatchkit/dispatch/authortools"
	"github.com/dispatchkit/dispatch/backend"
	"github.com/dispatchkit/dispatch/engine"
	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/dispatchkit/dispatch/prefstate"
	"github.com/dispatchkit/dispatch/typekey"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "rewrite":
		err = runRewrite(os.Args[2:])
	case "preview":
		err = runPreview(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dispatchctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dispatchctl <rewrite|preview> [flags]")
}

// runRewrite demonstrates the wiring pattern a real backend package's own small main package
// copies: build an authortools.Registry from the package's own init()-time registrations, load
// its existing declaration file, merge, and write the result back out. dispatchctl itself has no
// way to load an arbitrary third-party backend package's Go code at runtime (Go has no dlopen for
// Go symbols outside the plugin package, which the teacher's own stack does not use either), so
// the registry below is the worked example a backend author adapts, not a generic loader.
func runRewrite(args []string) error {
	fs := flag.NewFlagSet("rewrite", flag.ExitOnError)
	declPath := fs.String("decl", "", "path to the existing declaration YAML file")
	backendName := fs.String("backend", "", "backend name the registered implementations belong to")
	out := fs.String("out", "", "output path (default: overwrite -decl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *declPath == "" || *backendName == "" {
		return fmt.Errorf("rewrite: -decl and -backend are required")
	}

	f, err := os.Open(*declPath)
	if err != nil {
		return fmt.Errorf("open declaration: %w", err)
	}
	existing, err := entrypoint.Load(f, *backendName)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse declaration: %w", err)
	}

	reg := sampleRegistry()
	rewritten, err := authortools.RewriteDecl(existing, *backendName, reg)
	if err != nil {
		return fmt.Errorf("rewrite declaration: %w", err)
	}

	dest := *out
	if dest == "" {
		dest = *declPath
	}
	w, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer w.Close()
	return authortools.WriteYAML(w, rewritten)
}

// sampleRegistry is the worked example referenced in runRewrite's doc comment: in a real backend
// package this would be the package-level *authortools.Registry populated by that package's own
// init() functions.
func sampleRegistry() *authortools.Registry {
	return authortools.NewRegistry()
}

// runPreview loads every backend declared under -decls and prints the candidate order the engine
// would try for -fn given -types, without executing anything. -types takes a comma-separated list
// of exact ("module:name") TypeSpecs, since there is no live argument value for the CLI to derive
// a concrete type multiset from.
func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	declsDir := fs.String("decls", "", "directory of declaration YAML files")
	fnID := fs.String("fn", "", "dispatchable function id (module:qualname)")
	types := fs.String("types", "", "comma-separated exact type specs (module:name) to preview against")
	block := fs.String("block", "", "comma-separated backend names to exclude")
	setOrder := fs.String("set-order", "", "comma-separated backend names, highest priority first")
	prioritize := fs.String("prioritize", "", "comma-separated backend names to prioritize")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *declsDir == "" || *fnID == "" {
		return fmt.Errorf("preview: -decls and -fn are required")
	}

	reg, report := backend.Build(entrypoint.NewDirSource(*declsDir), backend.BuildConfig{
		Block:    *block,
		SetOrder: *setOrder,
	})
	for _, d := range report.Records() {
		fmt.Fprintln(os.Stderr, "dispatchctl: warning:", d.Err.Error())
	}

	typeSet, err := parseTypeSet(*types)
	if err != nil {
		return err
	}

	prefs := prefstate.State{}
	if *prioritize != "" {
		prefs.Prioritize = splitCommaList(*prioritize)
	}

	plan := engine.PreviewPlan(reg, *fnID, typeSet, prefs)
	if len(plan) == 0 {
		fmt.Println("(no backend would run)")
		return nil
	}
	for i, c := range plan {
		fmt.Printf("%d. %s\n", i+1, c.BackendName)
	}
	return nil
}

func parseTypeSet(raw string) (map[typekey.Key]struct{}, error) {
	out := map[typekey.Key]struct{}{}
	for _, name := range splitCommaList(raw) {
		spec, err := typekey.ParseSpec(name)
		if err != nil {
			return nil, fmt.Errorf("parse type %q: %w", name, err)
		}
		if spec.Kind != typekey.Exact {
			return nil, fmt.Errorf("type %q: -types only accepts exact specs, since there is no live value to match a subclass/abstract spec against", name)
		}
		out[spec.Key] = struct{}{}
	}
	return out, nil
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
