package cache

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

func quiet() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func payload(n int) []byte {
	return bytes.Repeat([]byte{'x'}, n)
}

func keys(n int) []oid.ObjectVersion {
	id := oid.NewID()
	ks := make([]oid.ObjectVersion, n)
	for i := range ks {
		ks[i] = oid.NewObjectVersion(id, oid.Version(i+1))
	}
	return ks
}

func TestCache_AddIsWriteOnce(t *testing.T) {
	c := New(t.Name(), 1000, quiet())
	k := keys(1)[0]
	assert.True(t, c.Add(k, payload(10), false))
	assert.False(t, c.Add(k, payload(20), false))
	assert.EqualValues(t, 10, c.Size())
	assert.Equal(t, 1, c.Len())
}

func TestCache_PinBalance(t *testing.T) {
	c := New(t.Name(), 1000, quiet())
	k := keys(1)[0]
	assert.False(t, c.Unpin(k))
	c.Add(k, payload(10), true)

	data, ok := c.Get(k)
	assert.True(t, ok)
	assert.Len(t, data, 10)
	assert.False(t, c.Erase(k))

	assert.True(t, c.Unpin(k))
	assert.True(t, c.Unpin(k))
	assert.False(t, c.Unpin(k))
	assert.False(t, c.Unpin(k))
	assert.True(t, c.Erase(k))
	assert.False(t, c.Erase(k))
	assert.EqualValues(t, 0, c.Size())

	_, ok = c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheLookups.WithLabelValues(t.Name(), "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheLookups.WithLabelValues(t.Name(), "miss")))
}

func TestCache_EvictsToTarget(t *testing.T) {
	const limit = 1000
	c := New(t.Name(), limit, quiet())
	ks := keys(10)
	for _, k := range ks {
		require.True(t, c.Add(k, payload(limit*13/100), false))
		assert.LessOrEqual(t, c.Size(), int64(limit))
	}
	assert.LessOrEqual(t, c.Size(), int64(limit*8/10))

	// the newest entry survives, the oldest went first
	_, ok := c.Get(ks[9])
	assert.True(t, ok)
	_, ok = c.Get(ks[0])
	assert.False(t, ok)
	assert.Equal(t, 4.0, testutil.ToFloat64(CacheEvictions.WithLabelValues(t.Name(), "unpinned")))
}

func TestCache_UsedEntriesGoFirst(t *testing.T) {
	c := New(t.Name(), 1000, quiet())
	ks := keys(4)
	c.Add(ks[0], payload(300), false)
	c.Add(ks[1], payload(400), false)
	c.Add(ks[2], payload(200), false)
	_, ok := c.Get(ks[1])
	require.True(t, ok)
	require.True(t, c.Unpin(ks[1]))

	c.Add(ks[3], payload(200), false)
	assert.EqualValues(t, 700, c.Size())
	_, ok = c.Get(ks[1])
	assert.False(t, ok)
	_, ok = c.Get(ks[0])
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(CacheEvictions.WithLabelValues(t.Name(), "used")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CacheEvictions.WithLabelValues(t.Name(), "unpinned")))
}

func TestCache_PinnedNeverEvicted(t *testing.T) {
	var logs bytes.Buffer
	c := New(t.Name(), 1000, utils.NewWriterLogger(&logs, slog.LevelWarn))
	ks := keys(3)
	for _, k := range ks {
		c.Add(k, payload(500), true)
	}
	assert.EqualValues(t, 1500, c.Size())
	assert.Equal(t, 3, c.Len())
	assert.Contains(t, logs.String(), "pinned")

	c.Unpin(ks[0])
	c.Unpin(ks[1])
	c.Add(keys(1)[0], payload(10), false)
	assert.LessOrEqual(t, c.Size(), int64(800))
	_, ok := c.Get(ks[2])
	assert.True(t, ok)
}

func TestCache_SizeAccounting(t *testing.T) {
	c := New(t.Name(), 1<<20, quiet())
	ks := keys(20)
	var want int64
	for i, k := range ks {
		c.Add(k, payload(i*7+1), i%3 == 0)
		want += int64(i*7 + 1)
	}
	assert.Equal(t, want, c.Size())
	for i, k := range ks {
		if i%2 == 1 && c.Erase(k) {
			want -= int64(i*7 + 1)
		}
	}
	assert.Equal(t, want, c.Size())
	assert.Equal(t, float64(want), testutil.ToFloat64(CacheBytes.WithLabelValues(t.Name())))
}

func TestCache_EraseObject(t *testing.T) {
	c := New(t.Name(), 1000, quiet())
	ks := keys(3)
	other := oid.NewObjectVersion(oid.NewID(), 1)
	for _, k := range ks {
		c.Add(k, payload(10), false)
	}
	c.Add(other, payload(10), false)
	c.Get(ks[2])

	assert.Equal(t, 2, c.EraseObject(ks[0].ID))
	assert.Equal(t, 2, c.Len())
	assert.EqualValues(t, 20, c.Size())
}

func TestCache_Expire(t *testing.T) {
	c := New(t.Name(), 1000, quiet())
	clock := time.Unix(1700000000, 0)
	c.now = func() time.Time { return clock }
	ks := keys(3)
	c.Add(ks[0], payload(10), false)
	c.Add(ks[1], payload(10), true)
	clock = clock.Add(time.Minute)
	c.Add(ks[2], payload(10), false)

	assert.Equal(t, 1, c.Expire(30*time.Second))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ks[2])
	assert.True(t, ok)
}

func TestCache_Concurrent(t *testing.T) {
	c := New(t.Name(), 4000, quiet())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i, k := range keys(50) {
				c.Add(k, payload(g+i%10+1), false)
				if data, ok := c.Get(k); ok {
					assert.NotEmpty(t, data, fmt.Sprint(k))
					c.Unpin(k)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Size(), int64(4000))

	var sum int64
	c.mu.Lock()
	for _, e := range c.entries {
		sum += int64(len(e.data))
		assert.Zero(t, e.pinned)
	}
	c.mu.Unlock()
	assert.Equal(t, sum, c.Size())
}
