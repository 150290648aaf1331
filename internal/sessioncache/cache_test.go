package sessioncache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sessiond/core/internal/common/logger"
)

type fakeEntry struct {
	tornDown chan struct{}
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{tornDown: make(chan struct{})}
}

func (f *fakeEntry) Teardown() { close(f.tornDown) }

func (f *fakeEntry) wasTornDown() bool {
	select {
	case <-f.tornDown:
		return true
	default:
		return false
	}
}

func TestCacheEvictsLRUAtCapacity(t *testing.T) {
	c := New(2, 0, logger.Default())
	a, b, d := newFakeEntry(), newFakeEntry(), newFakeEntry()

	c.Put("a", a)
	c.Put("b", b)
	c.Put("d", d) // evicts a (least recently used)

	require.True(t, a.wasTornDown())
	require.False(t, b.wasTornDown())
	require.Equal(t, 2, c.Len())
}

func TestCacheGetRefreshesRecency(t *testing.T) {
	c := New(2, 0, logger.Default())
	a, b, d := newFakeEntry(), newFakeEntry(), newFakeEntry()

	c.Put("a", a)
	c.Put("b", b)
	_, _ = c.Get("a") // touch a, making b the LRU
	c.Put("d", d)

	require.False(t, a.wasTornDown())
	require.True(t, b.wasTornDown())
}

func TestCacheEvictIdleTearsDownStaleEntries(t *testing.T) {
	c := New(10, time.Millisecond, logger.Default())
	a := newFakeEntry()
	c.Put("a", a)

	time.Sleep(5 * time.Millisecond)
	c.EvictIdle()

	require.True(t, a.wasTornDown())
	require.Equal(t, 0, c.Len())
}

func TestCacheCloseTearsDownEveryEntry(t *testing.T) {
	c := New(10, 0, logger.Default())
	a, b := newFakeEntry(), newFakeEntry()
	c.Put("a", a)
	c.Put("b", b)

	c.Close()

	require.True(t, a.wasTornDown())
	require.True(t, b.wasTornDown())
	require.Equal(t, 0, c.Len())
}

func TestCacheRemoveIsIdempotentForMissingKey(t *testing.T) {
	c := New(10, 0, logger.Default())
	require.NotPanics(t, func() { c.Remove("missing") })
}
