package handlepool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeHandle struct {
	id      int
	closes  atomic.Int32
	invalid atomic.Bool
}

func (h *fakeHandle) Close() error {
	h.closes.Add(1)
	return nil
}

func (h *fakeHandle) Valid() bool {
	return !h.invalid.Load() && h.closes.Load() == 0
}

const testIdentity = "/tmp/omnibox.db"

func TestRemove_UnknownIdentityCreatesQueue(t *testing.T) {
	p := New()

	h, gen := p.Remove(testIdentity, 4)
	assert.Nil(t, h)
	assert.Equal(t, 1, gen)

	c := p.Counts(testIdentity)
	assert.Equal(t, 0, c.Queued)
	assert.Equal(t, 1, c.Generation)
}

func TestAddRemove_ReusesHandle(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 4)

	h := &fakeHandle{id: 1}
	p.Add(testIdentity, h, gen)
	require.Equal(t, 1, p.Counts(testIdentity).Queued)

	got, gotGen := p.Remove(testIdentity, 4)
	require.NotNil(t, got)
	assert.Same(t, h, got)
	assert.Equal(t, gen, gotGen)
	assert.Equal(t, int32(0), h.closes.Load())

	c := p.Counts(testIdentity)
	assert.Equal(t, int64(1), c.Opened)
	assert.Equal(t, int64(1), c.Closed)
	assert.Equal(t, 0, c.Queued)
}

func TestAdd_FIFOOrder(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 4)

	first := &fakeHandle{id: 1}
	second := &fakeHandle{id: 2}
	p.Add(testIdentity, first, gen)
	p.Add(testIdentity, second, gen)

	got, _ := p.Remove(testIdentity, 4)
	assert.Same(t, first, got)
	got, _ = p.Remove(testIdentity, 4)
	assert.Same(t, second, got)
}

func TestAdd_UnknownIdentityCloses(t *testing.T) {
	p := New()
	h := &fakeHandle{}

	p.Add("never-seen", h, 1)

	assert.Equal(t, int32(1), h.closes.Load())
	assert.Equal(t, 0, p.Counts("").Queued)
}

func TestAdd_ZeroMaxSizeCloses(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 0)

	h := &fakeHandle{}
	p.Add(testIdentity, h, gen)

	assert.Equal(t, int32(1), h.closes.Load())
	assert.Equal(t, 0, p.Counts(testIdentity).Queued)
}

func TestAdd_TrimsOverflowOldestFirst(t *testing.T) {
	const maxSize = 3
	p := New()
	_, gen := p.Remove(testIdentity, maxSize)

	handles := make([]*fakeHandle, 10)
	for i := range handles {
		handles[i] = &fakeHandle{id: i}
		p.Add(testIdentity, handles[i], gen)
		assert.LessOrEqual(t, p.Counts(testIdentity).Queued, maxSize)
	}

	for i, h := range handles {
		if i < len(handles)-maxSize {
			assert.Equal(t, int32(1), h.closes.Load(), "handle %d should be evicted exactly once", i)
		} else {
			assert.Equal(t, int32(0), h.closes.Load(), "handle %d should still be queued", i)
		}
	}
	assert.Equal(t, int64(len(handles)-maxSize), p.Counts(testIdentity).Disposed)
}

func TestRemove_ShrinksToNewMaxSize(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 5)

	handles := make([]*fakeHandle, 5)
	for i := range handles {
		handles[i] = &fakeHandle{id: i}
		p.Add(testIdentity, handles[i], gen)
	}

	got, _ := p.Remove(testIdentity, 2)
	require.NotNil(t, got)

	// Three oldest were trimmed, the fourth was handed out.
	for i := 0; i < 3; i++ {
		assert.Equal(t, int32(1), handles[i].closes.Load())
	}
	assert.Same(t, handles[3], got)
	assert.Equal(t, 1, p.Counts(testIdentity).Queued)
}

func TestRemove_SkipsInvalidHandles(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 4)

	stale := &fakeHandle{id: 1}
	good := &fakeHandle{id: 2}
	p.Add(testIdentity, stale, gen)
	p.Add(testIdentity, good, gen)
	stale.invalid.Store(true)

	got, _ := p.Remove(testIdentity, 4)
	assert.Same(t, good, got)
	assert.Equal(t, int32(1), stale.closes.Load())
	assert.Equal(t, 0, p.Counts(testIdentity).Queued)
}

func TestRemove_AllInvalidReturnsNil(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 4)

	h := &fakeHandle{}
	p.Add(testIdentity, h, gen)
	h.invalid.Store(true)

	got, gotGen := p.Remove(testIdentity, 4)
	assert.Nil(t, got)
	assert.Equal(t, gen, gotGen)
}

func TestClearPool_InvalidatesGeneration(t *testing.T) {
	p := New()
	_, gen := p.Remove(testIdentity, 4)

	queued := &fakeHandle{id: 1}
	outstanding := &fakeHandle{id: 2}
	p.Add(testIdentity, queued, gen)

	p.ClearPool(testIdentity)

	assert.Equal(t, int32(1), queued.closes.Load())
	assert.Equal(t, gen+1, p.Counts(testIdentity).Generation)

	// A handle issued under the old generation is closed, never re-queued.
	p.Add(testIdentity, outstanding, gen)
	assert.Equal(t, int32(1), outstanding.closes.Load())
	assert.Equal(t, 0, p.Counts(testIdentity).Queued)

	got, newGen := p.Remove(testIdentity, 4)
	assert.Nil(t, got)
	assert.Equal(t, gen+1, newGen)
}

func TestClearPool_UnknownIdentityIsNoop(t *testing.T) {
	p := New()
	p.ClearPool("missing")
	assert.Equal(t, 1, p.Counts("missing").Generation)
}

func TestClearAllPools_RaisesCeiling(t *testing.T) {
	p := New()
	_, genA := p.Remove("a", 4)
	_, genB := p.Remove("b", 4)
	p.ClearPool("b")
	p.ClearPool("b")

	a := &fakeHandle{id: 1}
	p.Add("a", a, genA)

	p.ClearAllPools()

	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, 0, p.Counts("").Queued)

	// Ceiling is above every previous generation of every identity.
	ceiling := p.Counts("").Generation
	assert.Greater(t, ceiling, genA)
	assert.Greater(t, ceiling, genB+2)

	late := &fakeHandle{id: 2}
	p.Add("b", late, genB+2)
	assert.Equal(t, int32(1), late.closes.Load())

	_, gen := p.Remove("a", 4)
	assert.Equal(t, ceiling, gen)
}

func TestEntryDispose_ExactlyOnce(t *testing.T) {
	h := &fakeHandle{}
	e := &entry{handle: h}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.dispose()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.closes.Load())
	assert.False(t, e.checkout(), "a closing handle must never be checked out")
}

func TestPool_ConcurrentChurn(t *testing.T) {
	const (
		workers = 8
		rounds  = 200
		maxSize = 4
	)
	p := New()

	var mu sync.Mutex
	var created []*fakeHandle

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				h, gen := p.Remove(testIdentity, maxSize)
				if h == nil {
					fh := &fakeHandle{}
					mu.Lock()
					created = append(created, fh)
					mu.Unlock()
					h = fh
				}
				if i%50 == 0 {
					p.ClearPool(testIdentity)
				}
				p.Add(testIdentity, h, gen)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, p.Counts(testIdentity).Queued, maxSize)

	p.ClearAllPools()
	for i, h := range created {
		assert.Equal(t, int32(1), h.closes.Load(), "handle %d closed %d times", i, h.closes.Load())
	}
}
