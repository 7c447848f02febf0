package chunk

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Roles name the buffers a request materializes. Most requests carry
// just RoleData; multiscale image layers add a thumbnail source.
const (
	RoleData      = "data"
	RoleThumbnail = "thumbnail-source"
)

// TimeSpan records when one load step started and ended.
type TimeSpan struct {
	Start time.Time
	End   time.Time
}

// Duration returns the span's length.
func (t TimeSpan) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// Request asks the Loader to materialize one or more named arrays.
// After a successful load every entry in Chunks is an *NDArray.
//
// A Request lives for exactly one load: it is created, submitted, and
// discarded once it completes, hits the cache, or is cancelled.
type Request struct {
	// Key identifies the chunk being requested.
	Key Key

	// Chunks maps role names to the arrays to materialize. Every entry
	// is non-nil; NewRequest enforces this.
	Chunks map[string]Array

	// Location tags the octree position this request is loading for,
	// or nil for requests with no octree association.
	Location *Location

	// Delay defers dispatch so rapid view changes can cancel the
	// request before a worker picks it up.
	Delay time.Duration

	// LoadDelay adds an artificial sleep during the load. Testing only.
	LoadDelay time.Duration

	// Submitted, Started and Ended are filled in by the loader and the
	// worker for duration statistics.
	Submitted time.Time
	Started   time.Time
	Ended     time.Time

	// Spans records how long each load step took, keyed by role name
	// plus the overall "load_chunks" span.
	Spans map[string]TimeSpan

	// state is reqPending until a worker claims the request or a view
	// change clears the source's pending work. The two transitions
	// race; compare-and-swap makes exactly one win.
	state atomic.Int32
}

const (
	reqPending int32 = iota
	reqStarted
	reqCancelled
)

// NewRequest builds a Request. Every named array must be non-nil and
// every role name non-empty; violations are programming errors and are
// reported immediately.
func NewRequest(key Key, chunks map[string]Array, loc *Location) (*Request, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("chunk request %s: no arrays", key)
	}
	for role, arr := range chunks {
		if role == "" {
			return nil, fmt.Errorf("chunk request %s: empty role name", key)
		}
		if arr == nil {
			return nil, fmt.Errorf("chunk request %s: nil array for role %q", key, role)
		}
	}

	return &Request{
		Key:      key,
		Chunks:   chunks,
		Location: loc,
		Spans:    make(map[string]TimeSpan),
	}, nil
}

// InMemory reports whether every named array is already materialized,
// meaning the request is satisfiable synchronously.
func (r *Request) InMemory() bool {
	for _, arr := range r.Chunks {
		if !arr.InMemory() {
			return false
		}
	}
	return true
}

// NDArray returns the materialized array for a role, or nil if the
// role is absent or not yet materialized.
func (r *Request) NDArray(role string) *NDArray {
	nd, _ := r.Chunks[role].(*NDArray)
	return nd
}

// Data returns the materialized RoleData array, or nil.
func (r *Request) Data() *NDArray {
	return r.NDArray(RoleData)
}

// ThumbnailSource returns the thumbnail source array, falling back to
// the data array when no separate thumbnail source was requested.
func (r *Request) ThumbnailSource() *NDArray {
	if nd := r.NDArray(RoleThumbnail); nd != nil {
		return nd
	}
	return r.Data()
}

// NumChunks returns how many named arrays the request carries.
func (r *Request) NumChunks() int {
	return len(r.Chunks)
}

// NumBytes returns the total size of all materialized arrays.
func (r *Request) NumBytes() int64 {
	var n int64
	for _, arr := range r.Chunks {
		if nd, ok := arr.(*NDArray); ok {
			n += int64(nd.NBytes())
		}
	}
	return n
}

// materialize loads every named array in place, recording a span per
// role plus the overall "load_chunks" span. On error the request is
// left partially materialized and must not be cached.
func (r *Request) materialize(ctx context.Context) error {
	start := time.Now()
	for role, arr := range r.Chunks {
		roleStart := time.Now()
		nd, err := arr.Materialize(ctx)
		if err != nil {
			return fmt.Errorf("materialize %s role %q: %w", r.Key, role, err)
		}
		r.Chunks[role] = nd
		r.Spans[role] = TimeSpan{Start: roleStart, End: time.Now()}
	}
	r.Spans["load_chunks"] = TimeSpan{Start: start, End: time.Now()}
	return nil
}

// applyPayload replaces the named arrays with cached data.
func (r *Request) applyPayload(p Payload) {
	for role, nd := range p {
		r.Chunks[role] = nd
	}
}

// payload returns the materialized arrays for caching. Only valid
// after a successful materialize.
func (r *Request) payload() Payload {
	p := make(Payload, len(r.Chunks))
	for role, arr := range r.Chunks {
		if nd, ok := arr.(*NDArray); ok {
			p[role] = nd
		}
	}
	return p
}

// tryStart marks the request as executing. It fails if the request was
// cancelled first; a request that fails to start never completes.
func (r *Request) tryStart() bool {
	return r.state.CompareAndSwap(reqPending, reqStarted)
}

// cancel marks the request cancelled. Cancellation is cooperative: it
// only succeeds for requests that have not started executing.
func (r *Request) cancel() bool {
	return r.state.CompareAndSwap(reqPending, reqCancelled)
}

func (r *Request) isCancelled() bool {
	return r.state.Load() == reqCancelled
}
