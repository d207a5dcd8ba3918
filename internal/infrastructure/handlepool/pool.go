package handlepool

import (
	"sync"
	"sync/atomic"
)

// Handle is a raw, opened database handle that can be cached by the pool.
type Handle interface {
	// Close releases the underlying native resources.
	Close() error

	// Valid reports whether the handle is still open and usable.
	// It must not block on database locks.
	Valid() bool
}

// Logger defines the logging interface used by the Pool.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Handle states. A queued entry is available; Remove moves it to checked
// out; any disposal moves it to closing. Closing is terminal.
const (
	stateAvailable int32 = iota
	stateCheckedOut
	stateClosing
)

// entry is one cached handle with its generation tag.
type entry struct {
	handle     Handle
	generation int
	state      atomic.Int32
}

// checkout claims an available entry for a caller of Remove.
func (e *entry) checkout() bool {
	return e.state.CompareAndSwap(stateAvailable, stateCheckedOut)
}

// dispose closes the handle exactly once, whatever state it is in.
func (e *entry) dispose() (bool, error) {
	for {
		s := e.state.Load()
		if s == stateClosing {
			return false, nil
		}
		if e.state.CompareAndSwap(s, stateClosing) {
			return true, e.handle.Close()
		}
	}
}

// queue holds the cached handles for one identity, oldest first.
type queue struct {
	entries    []*entry
	generation int
	maxSize    int
}

// Counts is a snapshot of pool activity.
type Counts struct {
	// Opened is the number of handles handed out by Remove (process-wide).
	Opened int64 `json:"opened"`

	// Closed is the number of handles accepted back by Add (process-wide).
	Closed int64 `json:"closed"`

	// Disposed is the number of cached handles closed by the pool (process-wide).
	Disposed int64 `json:"disposed"`

	// Queued is the number of handles currently cached for the identity,
	// or across all identities when Counts is called with "".
	Queued int `json:"queued"`

	// Generation is the identity's current generation, or the process-wide
	// ceiling when Counts is called with "".
	Generation int `json:"generation"`
}

// Pool caches raw handles per identity.
//
// A Pool is an explicitly constructed service: create one at startup and
// pass it to every registry that should share handles.
type Pool struct {
	mu         sync.Mutex
	queues     map[string]*queue
	generation int // process-wide ceiling for new queues

	opened   atomic.Int64
	closed   atomic.Int64
	disposed atomic.Int64

	logger Logger
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		queues:     make(map[string]*queue),
		generation: 1,
		logger:     noopLogger{},
	}
}

// SetLogger sets the logger for the pool.
func (p *Pool) SetLogger(logger Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
}

// Add offers a handle back to the pool.
//
// The handle is queued only if the identity still has a queue whose
// generation equals the one the handle was issued under and the queue may
// hold at least one entry. Otherwise it is closed immediately.
func (p *Pool) Add(identity string, h Handle, generation int) {
	if h == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[identity]
	if !ok || q.generation != generation || q.maxSize <= 0 {
		if err := h.Close(); err != nil {
			p.logger.Warn("closing discarded handle", "identity", identity, "error", err)
		}
		p.logger.Debug("handle discarded",
			"identity", identity,
			"generation", generation,
		)
		return
	}

	p.resize(q, true)
	q.entries = append(q.entries, &entry{handle: h, generation: generation})
	p.closed.Add(1)
}

// Remove takes a validated handle for identity out of the pool.
//
// It returns the handle (nil if none is usable) and the generation the
// caller must pass back to Add. If the identity has never been seen, an
// empty queue is created at the process-wide generation so that a later
// ClearPool also covers handles opened before the first Add.
func (p *Pool) Remove(identity string, maxSize int) (Handle, int) {
	p.mu.Lock()
	q, ok := p.queues[identity]
	if !ok {
		gen := p.generation
		p.queues[identity] = &queue{generation: gen, maxSize: maxSize}
		p.mu.Unlock()
		return nil, gen
	}

	gen := q.generation
	q.maxSize = maxSize
	p.resize(q, false)

	// Validation may block, so candidates are detached and checked
	// without holding the lock.
	candidates := q.entries
	q.entries = nil
	logger := p.logger
	p.mu.Unlock()

	var found Handle
	next := 0
	for next < len(candidates) {
		e := candidates[next]
		next++

		if !e.checkout() {
			continue
		}
		if err := validate(e, gen); err != nil {
			logger.Debug("dropping pooled handle", "identity", identity, "error", err)
			p.dispose(e)
			continue
		}

		found = e.handle
		break
	}

	rest := candidates[next:]

	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.queues[identity]; ok && cur.generation == gen {
		// Untried candidates are older than anything added meanwhile.
		merged := make([]*entry, 0, len(rest)+len(cur.entries))
		merged = append(merged, rest...)
		cur.entries = append(merged, cur.entries...)
		p.resize(cur, false)
	} else {
		for _, e := range rest {
			p.dispose(e)
		}
	}

	if found != nil {
		p.opened.Add(1)
	}
	return found, gen
}

// validate re-checks a candidate after it has been claimed.
func validate(e *entry, generation int) error {
	if e.generation != generation || !e.handle.Valid() {
		return errStaleHandle
	}
	return nil
}

// ClearPool invalidates every handle issued for identity and closes the
// cached ones. Handles currently checked out are closed when offered back.
func (p *Pool) ClearPool(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[identity]
	if !ok {
		return
	}

	q.generation++
	for _, e := range q.entries {
		p.dispose(e)
	}
	q.entries = nil

	p.logger.Debug("pool cleared", "identity", identity, "generation", q.generation)
}

// ClearAllPools closes every cached handle and raises the process-wide
// generation above every identity, so every outstanding handle of any
// identity is closed when offered back.
func (p *Pool) ClearAllPools() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, q := range p.queues {
		for _, e := range q.entries {
			p.dispose(e)
		}
		q.entries = nil

		if p.generation <= q.generation {
			p.generation = q.generation + 1
		}
	}

	p.queues = make(map[string]*queue)
	p.logger.Debug("all pools cleared", "generation", p.generation)
}

// Counts returns activity counters for identity, or for the whole pool
// when identity is empty.
func (p *Pool) Counts(identity string) Counts {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := Counts{
		Opened:   p.opened.Load(),
		Closed:   p.closed.Load(),
		Disposed: p.disposed.Load(),
	}

	if identity == "" {
		for _, q := range p.queues {
			c.Queued += len(q.entries)
		}
		c.Generation = p.generation
		return c
	}

	if q, ok := p.queues[identity]; ok {
		c.Queued = len(q.entries)
		c.Generation = q.generation
	} else {
		c.Generation = p.generation
	}
	return c
}

// resize trims q to its maximum size, oldest first. When reserving is
// true one extra slot is freed for a pending Add. Must be called with p.mu
// held.
func (p *Pool) resize(q *queue, reserving bool) {
	target := q.maxSize
	if reserving && target > 0 {
		target--
	}
	if target < 0 {
		target = 0
	}

	for len(q.entries) > target {
		e := q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		p.dispose(e)
	}
}

// dispose closes an entry's handle if no one else has.
func (p *Pool) dispose(e *entry) {
	closed, err := e.dispose()
	if !closed {
		return
	}
	p.disposed.Add(1)
	if err != nil {
		p.logger.Warn("closing pooled handle", "error", err)
	}
}
