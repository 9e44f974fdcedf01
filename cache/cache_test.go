package cache_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dispatchkit/dispatch/cache"
	"github.com/dispatchkit/dispatch/typekey"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGetOrBuild_CachesByKey(t *testing.T) {
	t.Parallel()

	c := cache.New[int]()
	key := cache.Key{FnID: "f"}

	var calls atomic.Int64
	build := func() int {
		calls.Add(1)
		return 42
	}

	require.Equal(t, 42, c.GetOrBuild(key, build))
	require.Equal(t, 42, c.GetOrBuild(key, build))
	require.Equal(t, int64(1), calls.Load())
}

func TestGetOrBuild_ConcurrentRace(t *testing.T) {
	t.Parallel()

	c := cache.New[int]()
	key := cache.Key{FnID: "f"}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrBuild(key, func() int { return 7 })
		}()
	}
	wg.Wait()
	require.Equal(t, 7, c.GetOrBuild(key, func() int { return -1 }))
}

func TestInvalidateAll_ForcesRebuild(t *testing.T) {
	t.Parallel()

	c := cache.New[int]()
	key := cache.Key{FnID: "f"}

	n := 0
	build := func() int { n++; return n }

	require.Equal(t, 1, c.GetOrBuild(key, build))
	c.InvalidateAll()
	require.Equal(t, 2, c.GetOrBuild(key, build))
}

func TestKeyFor_SortsTypesAndIgnoresInsertionOrder(t *testing.T) {
	t.Parallel()

	intKey := typekey.KeyOf(1)
	strKey := typekey.KeyOf("s")

	a := cache.KeyFor("f", map[typekey.Key]struct{}{intKey: {}, strKey: {}}, cache.PreferenceFingerprint{})
	b := cache.KeyFor("f", map[typekey.Key]struct{}{strKey: {}, intKey: {}}, cache.PreferenceFingerprint{})
	require.Equal(t, a, b)
}

func TestFingerprint_ExcludesTraceByConstruction(t *testing.T) {
	t.Parallel()

	forced := typekey.KeyOf(1)
	fp1 := cache.Fingerprint([]string{"b1", "b2"}, &forced)
	fp2 := cache.Fingerprint([]string{"b1", "b2"}, &forced)
	require.Equal(t, fp1, fp2)

	fp3 := cache.Fingerprint(nil, nil)
	require.NotEqual(t, fp1, fp3)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
