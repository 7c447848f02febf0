package chunk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gigaview/server/pkg/perf"
)

// Source is a logical provider of chunk data, registered with the
// Loader so requests can refer to it by numeric identity alone.
type Source interface {
	// Describe returns a short human readable name for logs and stats.
	Describe() string
}

// Event announces one completed asynchronous load. Source is nil when
// the originating source was unregistered before the load finished;
// consumers must silently drop such events. Err is non-nil when
// materialization failed; the requested tile stays unloaded and a
// later reconciliation pass may retry.
//
// Events may be delivered on any goroutine. Consumers must marshal to
// their own execution context before mutating shared state.
type Event struct {
	Source  Source
	Request *Request
	Err     error
}

// LoaderConfig contains loader configuration.
type LoaderConfig struct {
	// Synchronous makes every load complete on the calling goroutine.
	Synchronous bool

	// NumWorkers sizes the worker pool (default 6).
	NumWorkers int

	// Delay is the debounce before dispatching an async load
	// (default 100ms).
	Delay time.Duration

	// LoadDelay adds an artificial sleep to every load. Testing only.
	LoadDelay time.Duration

	// Cache stores completed payloads. Required.
	Cache *Cache

	// Timers receives named duration events; defaults to a no-op.
	Timers perf.Timers
}

const (
	defaultNumWorkers = 6
	defaultDelay      = 100 * time.Millisecond

	// Sizes for the pool feed and event channels. Workers block rather
	// than drop when these fill.
	queueDepth = 256
	eventDepth = 256
)

// Loader dispatches chunk requests synchronously or to a worker pool,
// tracks in-flight work per source, cancels stale work, and publishes
// completion events.
//
// One Loader serves the whole process; construct it at startup and
// inject it into consumers.
type Loader struct {
	cache     *Cache
	timers    perf.Timers
	loadDelay time.Duration
	delay     time.Duration

	queue  chan *Request
	dq     *delayQueue
	events chan Event
	done   chan struct{}

	mu          sync.Mutex
	synchronous bool
	nextID      uint64
	sources     map[uint64]Source
	infos       map[uint64]*SourceInfo
	pending     map[uint64][]*Request

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewLoader creates the loader and starts its worker pool.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("chunk loader: nil cache")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = defaultNumWorkers
	}
	if cfg.Delay == 0 {
		cfg.Delay = defaultDelay
	}
	if cfg.Timers == nil {
		cfg.Timers = perf.Nop()
	}

	l := &Loader{
		cache:       cfg.Cache,
		timers:      cfg.Timers,
		loadDelay:   cfg.LoadDelay,
		delay:       cfg.Delay,
		synchronous: cfg.Synchronous,
		queue:       make(chan *Request, queueDepth),
		events:      make(chan Event, eventDepth),
		done:        make(chan struct{}),
		sources:     make(map[uint64]Source),
		infos:       make(map[uint64]*SourceInfo),
		pending:     make(map[uint64][]*Request),
	}
	l.dq = newDelayQueue(cfg.Delay, l.enqueue)

	for i := 0; i < cfg.NumWorkers; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	return l, nil
}

// Cache returns the loader's chunk cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Events returns the completion event channel. One consumer should
// drain it for the life of the loader.
func (l *Loader) Events() <-chan Event {
	return l.events
}

// Synchronous reports whether loads complete on the calling goroutine.
func (l *Loader) Synchronous() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.synchronous
}

// SetSynchronous toggles synchronous mode, e.g. to force-load during
// tests or screenshots.
func (l *Loader) SetSynchronous(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synchronous = on
}

// RegisterSource adds a source to the loader's lookup table and
// returns its numeric identity. The table is lookup-only: holding an
// ID never keeps a source alive in any other structure, and resolving
// an unregistered ID yields nil, which is a normal checked outcome.
func (l *Loader) RegisterSource(src Source) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.sources[id] = src
	l.infos[id] = newSourceInfo(id)
	return id
}

// UnregisterSource removes a source. In-flight loads for it finish and
// publish events with a nil Source. Counters are retained so stats for
// a closed source remain visible.
func (l *Loader) UnregisterSource(id uint64) {
	l.mu.Lock()
	delete(l.sources, id)
	l.mu.Unlock()

	l.clearPending(id)
}

// Load materializes the request.
//
// The completed request is returned when the load can finish on the
// calling goroutine: the loader is synchronous, every array is already
// in memory, or the cache has the payload. Otherwise an async load is
// started, nil is returned, and the result arrives later on the Events
// channel.
func (l *Loader) Load(r *Request) (*Request, error) {
	if r == nil {
		return nil, fmt.Errorf("chunk loader: nil request")
	}
	r.Submitted = time.Now()

	if l.Synchronous() || r.InMemory() {
		if payload, ok := l.cache.Get(r.Key); ok {
			r.applyPayload(payload)
			return r, nil
		}
		if err := r.materialize(context.Background()); err != nil {
			return nil, err
		}
		l.cache.Put(r.Key, r.payload())
		l.emitSpans(r)
		return r, nil
	}

	if payload, ok := l.cache.Get(r.Key); ok {
		r.applyPayload(payload)
		return r, nil
	}

	r.Delay = l.delay
	r.LoadDelay = l.loadDelay

	l.mu.Lock()
	l.pending[r.Key.SourceID] = append(l.pending[r.Key.SourceID], r)
	l.mu.Unlock()

	l.dq.Add(r)
	return nil, nil
}

// ClearPending cancels every not-yet-started request for a source.
// Callers invoke it on view changes, when outstanding loads are no
// longer wanted; a frame submitting many tiles for one source must
// not cancel its own siblings, so Load never calls this itself.
// Cancelled requests never complete, so callers must also reset any
// tile state waiting on them.
func (l *Loader) ClearPending(sourceID uint64) {
	l.clearPending(sourceID)
}

// clearPending is best effort and non-blocking: running work cannot
// be interrupted.
func (l *Loader) clearPending(sourceID uint64) {
	l.dq.Clear(sourceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.pending[sourceID]
	if len(list) == 0 {
		return
	}

	kept := list[:0]
	for _, r := range list {
		if !r.cancel() {
			// Already running; it will be pruned when it finishes.
			kept = append(kept, r)
		}
	}
	l.pending[sourceID] = kept
}

// enqueue feeds the worker pool. Called by the delay queue once a
// request's debounce expires.
func (l *Loader) enqueue(r *Request) {
	if r.isCancelled() {
		return
	}
	select {
	case l.queue <- r:
	case <-l.done:
	}
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case r := <-l.queue:
			l.run(r)
		case <-l.done:
			return
		}
	}
}

func (l *Loader) run(r *Request) {
	if !r.tryStart() {
		// Cancelled before starting; it never completes.
		return
	}
	r.Started = time.Now()

	if r.LoadDelay > 0 {
		time.Sleep(r.LoadDelay)
	}

	err := r.materialize(context.Background())
	r.Ended = time.Now()
	l.finish(r, err)
}

// finish runs on a worker goroutine: cache population and statistics
// happen here, at completion, not at submission.
func (l *Loader) finish(r *Request, err error) {
	sourceID := r.Key.SourceID

	l.mu.Lock()
	list := l.pending[sourceID]
	kept := list[:0]
	for _, p := range list {
		if p != r {
			kept = append(kept, p)
		}
	}
	l.pending[sourceID] = kept

	src := l.sources[sourceID]
	info := l.infos[sourceID]
	l.mu.Unlock()

	if err == nil {
		l.cache.Put(r.Key, r.payload())
		if info != nil {
			l.mu.Lock()
			info.loadFinished(r)
			l.mu.Unlock()
		}
		l.emitSpans(r)
	} else {
		log.Printf("[ChunkLoader] load failed: %s: %v", r.Key, err)
	}

	if src == nil {
		// The source was unregistered mid-load. Expected; consumers
		// drop events with a nil source.
		log.Printf("[ChunkLoader] source %d gone for %s", sourceID, r.Key)
	}

	select {
	case l.events <- Event{Source: src, Request: r, Err: err}:
	case <-l.done:
	}
}

func (l *Loader) emitSpans(r *Request) {
	for name, span := range r.Spans {
		l.timers.AddEvent(perf.Event{Name: name, Start: span.Start, End: span.End})
	}
}

// SourceStats returns a snapshot of per-source loading statistics.
func (l *Loader) SourceStats() []SourceStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SourceStats, 0, len(l.infos))
	for id, info := range l.infos {
		s := SourceStats{
			SourceID:   info.SourceID,
			NumLoads:   info.NumLoads,
			NumChunks:  info.NumChunks,
			NumBytes:   info.NumBytes,
			LoadTimeMS: info.loadTime.Average(),
		}
		if src, ok := l.sources[id]; ok {
			s.Name = src.Describe()
		}
		out = append(out, s)
	}
	return out
}

// Stop shuts the loader down. Queued requests are dropped, workers
// exit, and the events channel closes once the last worker does.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		l.dq.Stop()
		close(l.done)
		l.wg.Wait()
		close(l.events)
	})
}
