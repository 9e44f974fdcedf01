package dispatch_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/dispatchkit/dispatch"
	"github.com/dispatchkit/dispatch/backend"
	"github.com/dispatchkit/dispatch/diagnostic"
	"github.com/dispatchkit/dispatch/entrypoint"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// measurement is a named type declared locally so its typekey.Key carries a real, non-empty
// package path (bare Go builtins cannot appear in a declaration file's TypeSpecs, see
// engine/dispatcher_test.go's qty for the same technique). Its spec string is computed at
// runtime via dispatch.TypeOf rather than hardcoded.
type measurement float64

func measurementSpec() string {
	return dispatch.TypeOf(measurement(0)).String()
}

func narrowBackendDecl(name string, requiresOptIn bool) string {
	return fmt.Sprintf("name: %s\nprimary_types: [\"%s\"]\nrequires_opt_in: %t\nfunctions:\n  \"sum-fn\":\n    function: \"%s:sum\"\n",
		name, measurementSpec(), requiresOptIn, name)
}

func TestLibrary_MakeDispatchable_FallsBackToDefault(t *testing.T) {
	t.Parallel()

	lib, report := dispatch.NewLibrary("TESTLIB1", entrypoint.NewMemorySource())
	require.True(t, report.Empty())

	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	result, err := dispatch.Invoke2[measurement, measurement, measurement](sum, 2, 3)
	require.NoError(t, err)
	require.Equal(t, measurement(5), result)
}

func TestLibrary_MakeDispatchable_UsesRegisteredBackendOverDefault(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewMemorySource().Add("narrowlib", narrowBackendDecl("narrowlib", false))
	lib, report := dispatch.NewLibrary("TESTLIB2", src, dispatch.WithResolvers(map[string]backend.SymbolResolver{
		"narrowlib": backend.MapResolver{"narrowlib:sum": func(a, b measurement) measurement { return a + b + 100 }},
	}))
	require.True(t, report.Empty())

	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	result, err := sum.Call(measurement(2), measurement(3))
	require.NoError(t, err)
	require.Equal(t, measurement(105), result)
}

func TestLibrary_MakeDispatchable_PanicsOnOutOfRangePosition(t *testing.T) {
	t.Parallel()

	lib, _ := dispatch.NewLibrary("TESTLIB3", entrypoint.NewMemorySource())
	require.Panics(t, func() {
		lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 5})
	})
}

func TestLibrary_MakeDispatchable_PanicsOnDuplicateID(t *testing.T) {
	t.Parallel()

	lib, _ := dispatch.NewLibrary("TESTLIB4", entrypoint.NewMemorySource())
	lib.MakeDispatchable(func(a measurement) measurement { return a }, []int{0}, dispatch.WithID("dup-fn"))
	require.Panics(t, func() {
		lib.MakeDispatchable(func(a measurement) measurement { return a }, []int{0}, dispatch.WithID("dup-fn"))
	})
}

func TestLibrary_MakeDispatchable_ZeroDispatchedParamsAllowed(t *testing.T) {
	t.Parallel()

	// A forced-type-only dispatchable (spec.md's glossary example: random-number generation)
	// has no argument to infer a type from at all, so dispatchedParams is legitimately empty.
	src := entrypoint.NewMemorySource().Add("rng", "name: rng\nprimary_types: [\""+measurementSpec()+"\"]\nrequires_opt_in: false\nfunctions:\n  \"gen-fn\":\n    function: \"rng:gen\"\n")
	lib, report := dispatch.NewLibrary("TESTLIB9", src, dispatch.WithResolvers(map[string]backend.SymbolResolver{
		"rng": backend.MapResolver{"rng:gen": func() measurement { return 42 }},
	}))
	require.True(t, report.Empty())

	gen := lib.MakeDispatchable(func() measurement { return 0 }, nil, dispatch.WithID("gen-fn"))

	// With no forced type, the zero-dispatched-argument call only runs "default" (spec.md §4.6),
	// even though "rng" declares a matching type and is not opt-in.
	result, err := dispatch.Invoke0[measurement](gen)
	require.NoError(t, err)
	require.Equal(t, measurement(0), result)

	// Forcing the type lets "rng" win.
	scope := dispatch.BackendOpts(dispatch.WithType(dispatch.TypeOf(measurement(0))))
	result, err = dispatch.Invoke0[measurement](gen)
	scope.Close()
	require.NoError(t, err)
	require.Equal(t, measurement(42), result)
}

func TestDispatchable_Call_ArityMismatch(t *testing.T) {
	t.Parallel()

	lib, _ := dispatch.NewLibrary("TESTLIB5", entrypoint.NewMemorySource())
	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	_, err := sum.Call(measurement(1))
	require.Error(t, err)
}

func TestDispatchable_Call_ImplementationErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	lib, _ := dispatch.NewLibrary("TESTLIB6", entrypoint.NewMemorySource())
	sum := lib.MakeDispatchable(func(a, b measurement) (measurement, error) { return 0, boom }, []int{0, 1}, dispatch.WithID("sum-fn"))

	_, err := sum.Call(measurement(1), measurement(2))
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
}

func TestDispatchable_Preview_DoesNotExecute(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewMemorySource().Add("narrowlib", narrowBackendDecl("narrowlib", false))
	called := false
	lib, report := dispatch.NewLibrary("TESTLIB7", src, dispatch.WithResolvers(map[string]backend.SymbolResolver{
		"narrowlib": backend.MapResolver{"narrowlib:sum": func(a, b measurement) measurement { called = true; return a + b }},
	}))
	require.True(t, report.Empty())

	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	plan, err := sum.Preview(measurement(1), measurement(2))
	require.NoError(t, err)
	require.Equal(t, []string{"narrowlib", "default"}, plan)
	require.False(t, called)
}

func TestBackendOpts_PrioritizeOverridesPlanOrder(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewMemorySource().Add("optinlib", "name: optinlib\nprimary_types: [\""+measurementSpec()+"\"]\nrequires_opt_in: true\nfunctions:\n  \"sum-fn\":\n    function: \"optinlib:sum\"\n")
	lib, report := dispatch.NewLibrary("TESTLIB8", src, dispatch.WithResolvers(map[string]backend.SymbolResolver{
		"optinlib": backend.MapResolver{"optinlib:sum": func(a, b measurement) measurement { return 999 }},
	}))
	require.True(t, report.Empty())

	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	result, err := sum.Call(measurement(2), measurement(3))
	require.NoError(t, err)
	require.Equal(t, measurement(5), result) // opt-in backend skipped by default

	scope := dispatch.BackendOpts(dispatch.WithPrioritize("optinlib"))
	result, err = dispatch.Invoke2[measurement, measurement, measurement](sum, 2, 3)
	scope.Close()
	require.NoError(t, err)
	require.Equal(t, measurement(999), result)
}

func TestLibrary_EnvPrefixWiresBlock(t *testing.T) {
	names := []string{"TESTLIB9_BLOCK", "TESTLIB9_PRIORITIZE"}
	for _, n := range names {
		old, had := os.LookupEnv(n)
		defer func(n, old string, had bool) {
			if had {
				os.Setenv(n, old)
			} else {
				os.Unsetenv(n)
			}
		}(n, old, had)
	}
	require.NoError(t, os.Setenv("TESTLIB9_BLOCK", "narrowlib"))
	defer dispatch.EnableGlobally() // clear whatever NewLibrary installs, for test isolation

	src := entrypoint.NewMemorySource().Add("narrowlib", narrowBackendDecl("narrowlib", false))
	lib, report := dispatch.NewLibrary("TESTLIB9", src)
	require.True(t, report.Empty())

	var names2 []string
	for _, b := range lib.Registry().Backends() {
		names2 = append(names2, b.Name)
	}
	require.NotContains(t, names2, "narrowlib")
}

func TestLibrary_Reload_PreservesRegisteredDefaults(t *testing.T) {
	t.Parallel()

	lib, report := dispatch.NewLibrary("TESTLIB10", entrypoint.NewMemorySource())
	require.True(t, report.Empty())

	sum := lib.MakeDispatchable(func(a, b measurement) measurement { return a + b }, []int{0, 1}, dispatch.WithID("sum-fn"))

	src2 := entrypoint.NewMemorySource().Add("narrowlib", narrowBackendDecl("narrowlib", true))
	reloadReport := lib.Reload(src2)
	require.True(t, reloadReport.Empty())

	result, err := sum.Call(measurement(2), measurement(3))
	require.NoError(t, err)
	require.Equal(t, measurement(5), result) // default binding survived the reload
}

func TestTypeOf_MatchesTypekeyString(t *testing.T) {
	t.Parallel()
	require.Contains(t, dispatch.TypeOf(measurement(0)).String(), "measurement")
}

func TestDiagnosticReportSurfacesOnBadDeclaration(t *testing.T) {
	t.Parallel()

	src := entrypoint.NewMemorySource().Add("broken", "primary_types: [\"bad-spec\"]\n")
	_, report := dispatch.NewLibrary("TESTLIB11", src)
	require.False(t, report.Empty())
	recs := report.Records()
	require.Len(t, recs, 1)
	var cfgErr *diagnostic.ConfigError
	require.ErrorAs(t, recs[0].Err, &cfgErr)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
