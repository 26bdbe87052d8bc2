package disk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/tiercache/lifecycle"
)

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetInline(t *testing.T) {
	c := openTestCache(t)

	value := []byte("small value")
	require.NoError(t, c.Set("k", value))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, value, got)
	assert.True(t, c.Contains("k"))

	// Small payloads stay in the manifest.
	name, err := c.manifest.getFilename("k")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestCache_SetGetExternal(t *testing.T) {
	c := openTestCache(t, WithInlineThreshold(1024))

	value := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, c.Set("big", value))

	t.Run("round-trips bit for bit", func(t *testing.T) {
		got, ok := c.Get("big")
		require.True(t, ok)
		assert.Equal(t, value, got)
	})

	t.Run("file is named by the key digest", func(t *testing.T) {
		sum := sha256.Sum256([]byte("big"))
		name := hex.EncodeToString(sum[:])

		data, err := os.ReadFile(filepath.Join(c.Path(), dataDirName, name))
		require.NoError(t, err)
		assert.Equal(t, value, data)
	})

	t.Run("manifest row has no inline payload", func(t *testing.T) {
		v, err := c.manifest.getValue("big")
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestCache_PlacementModes(t *testing.T) {
	t.Run("inline only", func(t *testing.T) {
		c := openTestCache(t, WithPlacement(PlacementInline), WithInlineThreshold(8))

		require.NoError(t, c.Set("k", bytes.Repeat([]byte{1}, 64)))
		name, err := c.manifest.getFilename("k")
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("file only", func(t *testing.T) {
		c := openTestCache(t, WithPlacement(PlacementFile))

		require.NoError(t, c.Set("k", []byte("tiny")))
		name, err := c.manifest.getFilename("k")
		require.NoError(t, err)
		assert.NotEmpty(t, name)

		got, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, []byte("tiny"), got)
	})
}

func TestCache_CustomFileNamer(t *testing.T) {
	c := openTestCache(t,
		WithPlacement(PlacementFile),
		WithFileNamer(func(key string) string { return key + ".blob" }),
	)

	require.NoError(t, c.Set("k", []byte("v")))
	_, err := os.Stat(filepath.Join(c.Path(), dataDirName, "k.blob"))
	require.NoError(t, err)
}

func TestCache_RejectsEmptyKeyAndValue(t *testing.T) {
	c := openTestCache(t)

	require.ErrorIs(t, c.Set("", []byte("v")), ErrInvalid)
	require.ErrorIs(t, c.Set("k", nil), ErrInvalid)
	require.ErrorIs(t, c.Remove(""), ErrInvalid)

	_, ok := c.Get("")
	assert.False(t, ok)
	assert.False(t, c.Contains(""))
}

func TestCache_InlineReplacingExternalDeletesFile(t *testing.T) {
	c := openTestCache(t, WithInlineThreshold(16))

	require.NoError(t, c.Set("k", bytes.Repeat([]byte{2}, 64)))
	name, err := c.manifest.getFilename("k")
	require.NoError(t, err)
	require.NotEmpty(t, name)

	require.NoError(t, c.Set("k", []byte("small")))

	_, err = os.Stat(filepath.Join(c.Path(), dataDirName, name))
	assert.True(t, os.IsNotExist(err))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("small"), got)
}

func TestCache_SelfHealingMissingBlob(t *testing.T) {
	c := openTestCache(t, WithInlineThreshold(4))

	require.NoError(t, c.Set("k", []byte("external payload")))
	name, err := c.manifest.getFilename("k")
	require.NoError(t, err)
	require.NotEmpty(t, name)

	// Lose the blob behind the cache's back.
	require.NoError(t, os.Remove(filepath.Join(c.Path(), dataDirName, name)))

	_, ok := c.Get("k")
	assert.False(t, ok)
	// The divergent row healed away.
	assert.False(t, c.Contains("k"))
}

func TestCache_GetBumpsAccessTime(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, WithNow(clock.now))

	require.NoError(t, c.Set("k", []byte("v")))
	before, err := c.manifest.get("k", true)
	require.NoError(t, err)

	clock.advance(time.Minute)
	_, ok := c.Get("k")
	require.True(t, ok)

	after, err := c.manifest.get("k", true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after.AccessTime, before.AccessTime)
	assert.Equal(t, before.AccessTime+60, after.AccessTime)
}

func TestCache_Remove(t *testing.T) {
	c := openTestCache(t, WithInlineThreshold(4))

	require.NoError(t, c.Set("k", []byte("external payload")))
	name, err := c.manifest.getFilename("k")
	require.NoError(t, err)

	require.NoError(t, c.Remove("k"))
	assert.False(t, c.Contains("k"))
	_, err = os.Stat(filepath.Join(c.Path(), dataDirName, name))
	assert.True(t, os.IsNotExist(err))
}

func TestCache_RemoveAll(t *testing.T) {
	c := openTestCache(t, WithInlineThreshold(4))

	require.NoError(t, c.Set("a", []byte("vv")))
	require.NoError(t, c.Set("b", bytes.Repeat([]byte{3}, 32)))
	require.Equal(t, 2, c.Len())

	require.NoError(t, c.RemoveAll())

	assert.Equal(t, 0, c.Len())
	assert.Zero(t, c.Size())
	assert.False(t, c.Contains("a"))

	// The cache stays usable after the wholesale reset.
	require.NoError(t, c.Set("c", []byte("new")))
	got, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(c.Path(), trashDirName))
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_LenAndSize(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.Set("a", make([]byte, 100)))
	require.NoError(t, c.Set("b", make([]byte, 200)))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(300), c.Size())
}

func TestCache_TrimToCount(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, WithNow(clock.now))

	for i := 0; i < 40; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%02d", i), []byte("value")))
		clock.advance(time.Second)
	}

	c.TrimToCount(5)
	assert.Equal(t, 5, c.Len())
	// The oldest-accessed entries went first.
	assert.False(t, c.Contains("k00"))
	assert.True(t, c.Contains("k39"))
}

func TestCache_TrimToCost(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, WithNow(clock.now), WithInlineThreshold(4))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), make([]byte, 100)))
		clock.advance(time.Second)
	}
	require.Equal(t, int64(1000), c.Size())

	c.TrimToCost(350)
	assert.LessOrEqual(t, c.Size(), int64(350))
	assert.False(t, c.Contains("k0"))
	assert.True(t, c.Contains("k9"))

	// External files of evicted entries are gone too.
	entries, err := os.ReadDir(filepath.Join(c.Path(), dataDirName))
	require.NoError(t, err)
	assert.Len(t, entries, c.Len())
}

func TestCache_TrimOlderThan(t *testing.T) {
	clock := newFakeClock()
	c := openTestCache(t, WithNow(clock.now), WithInlineThreshold(4))

	require.NoError(t, c.Set("old", bytes.Repeat([]byte{4}, 32)))
	clock.advance(2 * time.Hour)
	require.NoError(t, c.Set("fresh", []byte("v")))

	c.TrimOlderThan(time.Hour)
	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("fresh"))

	entries, err := os.ReadDir(filepath.Join(c.Path(), dataDirName))
	require.NoError(t, err)
	assert.Empty(t, entries)

	t.Run("non-positive age removes everything", func(t *testing.T) {
		c.TrimOlderThan(0)
		assert.Equal(t, 0, c.Len())
	})
}

func TestCache_AutoTrim(t *testing.T) {
	c := openTestCache(t,
		WithCountLimit(2),
		WithAutoTrimInterval(20*time.Millisecond),
	)

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Set(fmt.Sprintf("k%d", i), []byte("v")))
	}

	require.Eventually(t, func() bool {
		return c.Len() <= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_RuntimeTunables(t *testing.T) {
	c := openTestCache(t)

	c.SetCountLimit(10)
	assert.Equal(t, int64(10), c.CountLimit())
	c.SetCostLimit(1 << 20)
	assert.Equal(t, int64(1<<20), c.CostLimit())
	c.SetAgeLimit(time.Hour)
	assert.Equal(t, time.Hour, c.AgeLimit())
	c.SetFreeDiskSpaceLimit(1 << 30)
	assert.Equal(t, int64(1<<30), c.FreeDiskSpaceLimit())
}

func TestCache_ExtendedData(t *testing.T) {
	c := openTestCache(t)

	require.NoError(t, c.SetEntry(Entry{Key: "k", Value: []byte("v"), Extended: []byte("meta")}))

	e, ok := c.GetEntry("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), e.Value)
	assert.Equal(t, []byte("meta"), e.Extended)
}

func TestOpen_ReturnsSameInstanceForSamePath(t *testing.T) {
	dir := t.TempDir()

	c1, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c1.Close() })

	c2, err := Open(dir)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	other, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	assert.NotSame(t, c1, other)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	value := bytes.Repeat([]byte{7}, 10*1024)

	c1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, c1.Set("k", value))
	require.NoError(t, c1.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })
	require.NotSame(t, c1, c2)

	got, ok := c2.Get("k")
	require.True(t, ok)
	assert.Equal(t, value, got)
}

func TestCache_Async(t *testing.T) {
	c := openTestCache(t)

	setDone := make(chan error, 1)
	c.SetAsync("k", []byte("async value"), func(_ string, err error) { setDone <- err })
	require.NoError(t, <-setDone)

	type result struct {
		value []byte
		ok    bool
	}
	getDone := make(chan result, 1)
	c.GetAsync("k", func(_ string, v []byte, ok bool) { getDone <- result{v, ok} })
	r := <-getDone
	require.True(t, r.ok)
	assert.Equal(t, []byte("async value"), r.value)

	containsDone := make(chan bool, 1)
	c.ContainsAsync("k", func(_ string, ok bool) { containsDone <- ok })
	assert.True(t, <-containsDone)

	rmDone := make(chan error, 1)
	c.RemoveAsync("k", func(_ string, err error) { rmDone <- err })
	require.NoError(t, <-rmDone)
	assert.False(t, c.Contains("k"))
}

func TestCache_WillTerminateClosesManifest(t *testing.T) {
	src := lifecycle.NewBroadcaster()
	defer src.Close()

	c := openTestCache(t, WithLifecycle(src))
	require.NoError(t, c.Set("k", []byte("v")))

	src.Publish(lifecycle.WillTerminate)

	require.Eventually(t, func() bool {
		return c.isClosed()
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, c.Set("x", []byte("v")), ErrClosed)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_OperationsAfterCloseFail(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.ErrorIs(t, c.Set("k", []byte("v")), ErrClosed)
	_, ok := c.Get("k")
	assert.False(t, ok)
	require.ErrorIs(t, c.RemoveAll(), ErrClosed)
}
