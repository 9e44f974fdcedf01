package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dispatchkit/dispatch/typekey"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b", "c"}, splitCommaList(" a, b ,c"))
	require.Nil(t, splitCommaList(""))
}

func TestParseTypeSet_AcceptsExactSpecsOnly(t *testing.T) {
	t.Parallel()

	set, err := parseTypeSet("m:float32,m:int")
	require.NoError(t, err)
	require.Len(t, set, 2)
	require.Contains(t, set, typekey.Key{Path: "m", Name: "float32"})
}

func TestParseTypeSet_RejectsNonExactSpec(t *testing.T) {
	t.Parallel()

	_, err := parseTypeSet("~m:float32")
	require.Error(t, err)
}

func TestParseTypeSet_EmptyInput(t *testing.T) {
	t.Parallel()

	set, err := parseTypeSet("")
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestRunRewrite_ProducesValidDeclaration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	declPath := filepath.Join(dir, "arraylib.yaml")
	require.NoError(t, os.WriteFile(declPath, []byte("name: arraylib\nfunctions: {}\n"), 0o644))

	err := runRewrite([]string{"-decl", declPath, "-backend", "arraylib", "-out", declPath})
	require.NoError(t, err)

	content, err := os.ReadFile(declPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "name: arraylib")
}

func TestRunPreview_ReportsNoBackendForUnknownFunction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := runPreview([]string{"-decls", dir, "-fn", "lib.mod:sum"})
	require.NoError(t, err)
}

func TestRunPreview_RequiresDeclsAndFn(t *testing.T) {
	t.Parallel()

	require.Error(t, runPreview(nil))
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
