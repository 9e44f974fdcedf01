package entrypoint_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func stringReader(s string) io.Reader {
	return strings.NewReader(s)
}

const validDecl = `
name: b1
primary_types:
  - "m:int"
secondary_types:
  - "~m:number"
functions:
  defaults:
    uses_context: false
  "lib.mod:divide":
    function: "b1impl:divide"
  "lib.mod:sqrt":
    function: "b1impl:sqrt"
    uses_context: true
`

func TestLoad_Valid(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewMemorySource().Add("b1", validDecl)
	entries, err := src.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	r, err := src.Open(entries[0].Locator)
	require.NoError(t, err)
	defer r.Close()

	decl, err := entrypoint.Load(r, "b1")
	require.NoError(t, err)
	require.Equal(t, "b1", decl.Name)
	require.Len(t, decl.PrimaryTypes, 1)
	require.Len(t, decl.SecondaryTypes, 1)
	require.True(t, decl.RequiresOptIn) // defaulted true: primary_types is non-empty

	divide, ok := decl.Functions["lib.mod:divide"]
	require.True(t, ok)
	require.Equal(t, "b1impl:divide", divide.Function)
	require.False(t, divide.UsesContext) // picked up from functions.defaults

	sqrt, ok := decl.Functions["lib.mod:sqrt"]
	require.True(t, ok)
	require.True(t, sqrt.UsesContext) // explicit override wins over defaults
}

func TestLoad_NameMismatch(t *testing.T) {
	t.Parallel()

	r := stringReader(`
name: other
functions: {}
`)
	_, err := entrypoint.Load(r, "b1")
	require.Error(t, err)
}

func TestLoad_MissingName(t *testing.T) {
	t.Parallel()

	r := stringReader(`
functions: {}
`)
	_, err := entrypoint.Load(r, "b1")
	require.Error(t, err)
}

func TestLoad_MalformedTypeSpec(t *testing.T) {
	t.Parallel()

	r := stringReader(`
name: b1
primary_types:
  - "not-a-spec"
functions: {}
`)
	_, err := entrypoint.Load(r, "b1")
	require.Error(t, err)
}

func TestLoad_BadImplementationRefShape(t *testing.T) {
	t.Parallel()

	r := stringReader(`
name: b1
functions:
  "lib.mod:fn":
    function: "noColon"
`)
	_, err := entrypoint.Load(r, "b1")
	require.Error(t, err)
}

func TestLoad_RequiresOptInDefaultFalseWithoutPrimaryTypes(t *testing.T) {
	t.Parallel()

	r := stringReader(`
name: default
functions:
  "lib.mod:fn":
    function: "defaultimpl:fn"
`)
	decl, err := entrypoint.Load(r, "default")
	require.NoError(t, err)
	require.False(t, decl.RequiresOptIn)
}

func TestDedup(t *testing.T) {
	t.Parallel()

	entries := []entrypoint.Entry{{Name: "a", Locator: "1"}, {Name: "b", Locator: "2"}, {Name: "a", Locator: "3"}}
	kept, rejected := entrypoint.Dedup(entries)
	require.Len(t, kept, 2)
	require.Equal(t, []string{"a"}, rejected)
}

func TestParseBlockList(t *testing.T) {
	t.Parallel()

	blocked := entrypoint.ParseBlockList(" b1 , b2,,b3 ")
	require.True(t, blocked["b1"])
	require.True(t, blocked["b2"])
	require.True(t, blocked["b3"])
	require.Len(t, blocked, 3)
}

func TestFilterBlocked(t *testing.T) {
	t.Parallel()

	entries := []entrypoint.Entry{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	out := entrypoint.FilterBlocked(entries, map[string]bool{"b": true})
	require.Len(t, out, 2)
	require.Equal(t, "a", out[0].Name)
	require.Equal(t, "c", out[1].Name)
}

func TestDirSource_ScansYAMLFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b1.yaml"), []byte(validDecl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	src := entrypoint.NewDirSource(dir)
	entries, err := src.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b1", entries[0].Name)

	r, err := src.Open(entries[0].Locator)
	require.NoError(t, err)
	defer r.Close()
	decl, err := entrypoint.Load(r, "b1")
	require.NoError(t, err)
	require.Equal(t, "b1", decl.Name)
}

func TestDirSource_MissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewDirSource(filepath.Join(t.TempDir(), "does-not-exist"))
	entries, err := src.List()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
