package chunk

import (
	"context"
	"testing"
	"time"

	"github.com/gigaview/server/pkg/perf"
)

type testSource struct {
	name string
}

func (s *testSource) Describe() string { return s.name }

func lazyArray(n int) Array {
	return ArrayFunc(func(ctx context.Context) (*NDArray, error) {
		return &NDArray{Shape: []int{1, n}, DType: "uint8", Data: make([]byte, n)}, nil
	})
}

func newTestLoader(t *testing.T, cfg LoaderConfig) *Loader {
	t.Helper()
	if cfg.Cache == nil {
		cfg.Cache = newTestCache(t, 1<<20, true)
	}
	l, err := NewLoader(cfg)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func waitEvent(t *testing.T, l *Loader) Event {
	t.Helper()
	select {
	case ev := <-l.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for load event")
		return Event{}
	}
}

func TestLoaderSynchronous(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: true})
	id := l.RegisterSource(&testSource{name: "sync"})

	r, err := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: lazyArray(64)}, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	done, err := l.Load(r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if done == nil {
		t.Fatal("synchronous load must complete on the calling goroutine")
	}
	if done.Data() == nil {
		t.Fatal("expected materialized data")
	}
	if done.Data().NBytes() != 64 {
		t.Fatalf("expected 64 bytes, got %d", done.Data().NBytes())
	}
}

func TestLoaderInMemoryShortCircuits(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond})
	id := l.RegisterSource(&testSource{name: "mem"})

	nd := &NDArray{Shape: []int{1, 8}, DType: "uint8", Data: make([]byte, 8)}
	r, err := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: nd}, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	done, err := l.Load(r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if done == nil {
		t.Fatal("in-memory request must complete synchronously even in async mode")
	}
}

func TestLoaderAsync(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond})
	src := &testSource{name: "async"}
	id := l.RegisterSource(src)

	key := testKey(t, id, 0)
	r, err := NewRequest(key, map[string]Array{RoleData: lazyArray(128)}, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	done, err := l.Load(r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if done != nil {
		t.Fatal("async load must not complete synchronously")
	}

	ev := waitEvent(t, l)
	if ev.Err != nil {
		t.Fatalf("load event carried error: %v", ev.Err)
	}
	if ev.Source != src {
		t.Fatalf("expected event source %v, got %v", src, ev.Source)
	}
	if ev.Request.Key != key {
		t.Fatalf("expected event for %s, got %s", key, ev.Request.Key)
	}
	if ev.Request.Data() == nil {
		t.Fatal("expected materialized data in event")
	}

	// The payload was cached at completion: a second load of the same
	// key completes synchronously.
	r2, _ := NewRequest(key, map[string]Array{RoleData: lazyArray(128)}, nil)
	done, err = l.Load(r2)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if done == nil {
		t.Fatal("expected cache hit to complete synchronously")
	}
}

func TestLoaderSiblingRequestsAllComplete(t *testing.T) {
	// A frame submits one request per visible tile for the same source;
	// each submission must leave its siblings pending.
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond})
	id := l.RegisterSource(&testSource{name: "siblings"})

	const n = 5
	want := make(map[Key]bool, n)
	for i := 0; i < n; i++ {
		k := testKey(t, id, i)
		want[k] = true
		r, _ := NewRequest(k, map[string]Array{RoleData: lazyArray(16)}, nil)
		if _, err := l.Load(r); err != nil {
			t.Fatalf("Load %d failed: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		ev := waitEvent(t, l)
		if ev.Err != nil {
			t.Fatalf("load event carried error: %v", ev.Err)
		}
		if !want[ev.Request.Key] {
			t.Fatalf("unexpected or duplicate completion for %s", ev.Request.Key)
		}
		delete(want, ev.Request.Key)
	}
	if len(want) != 0 {
		t.Fatalf("%d requests never completed", len(want))
	}
}

func TestLoaderClearPendingCancelsQueued(t *testing.T) {
	// Long debounce so the first request is still waiting in the delay
	// queue when the view changes.
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: 200 * time.Millisecond})
	id := l.RegisterSource(&testSource{name: "cleared"})

	k1 := testKey(t, id, 0)
	k2 := testKey(t, id, 1)
	r1, _ := NewRequest(k1, map[string]Array{RoleData: lazyArray(16)}, nil)
	r2, _ := NewRequest(k2, map[string]Array{RoleData: lazyArray(16)}, nil)

	if _, err := l.Load(r1); err != nil {
		t.Fatalf("Load r1 failed: %v", err)
	}
	l.ClearPending(id)
	if _, err := l.Load(r2); err != nil {
		t.Fatalf("Load r2 failed: %v", err)
	}

	ev := waitEvent(t, l)
	if ev.Request.Key != k2 {
		t.Fatalf("expected only the post-clear request to complete, got %s", ev.Request.Key)
	}

	// The cancelled request never produces an event.
	select {
	case ev := <-l.Events():
		t.Fatalf("unexpected second event for %s", ev.Request.Key)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLoaderUnregisteredSourceEvent(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond, LoadDelay: 100 * time.Millisecond})
	id := l.RegisterSource(&testSource{name: "doomed"})

	r, _ := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: lazyArray(16)}, nil)
	if _, err := l.Load(r); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Give the worker time to claim the request, then pull the source
	// out from under it.
	time.Sleep(50 * time.Millisecond)
	l.UnregisterSource(id)

	ev := waitEvent(t, l)
	if ev.Source != nil {
		t.Fatalf("expected nil source on event after unregister, got %v", ev.Source)
	}
}

func TestLoaderSourceStats(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: true})
	id := l.RegisterSource(&testSource{name: "stats"})

	for i := 0; i < 3; i++ {
		r, _ := NewRequest(testKey(t, id, i), map[string]Array{RoleData: lazyArray(10)}, nil)
		if _, err := l.Load(r); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}

	stats := l.SourceStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 source, got %d", len(stats))
	}
	// Synchronous loads bypass the worker pool, so counters stay at
	// zero; only async completions are recorded.
	if stats[0].Name != "stats" {
		t.Fatalf("expected name %q, got %q", "stats", stats[0].Name)
	}
}

func TestLoaderAsyncStatsRecorded(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond})
	id := l.RegisterSource(&testSource{name: "counted"})

	r, _ := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: lazyArray(40)}, nil)
	if _, err := l.Load(r); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	waitEvent(t, l)

	stats := l.SourceStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 source, got %d", len(stats))
	}
	if stats[0].NumLoads != 1 {
		t.Fatalf("expected 1 load, got %d", stats[0].NumLoads)
	}
	if stats[0].NumBytes != 40 {
		t.Fatalf("expected 40 bytes, got %d", stats[0].NumBytes)
	}
}

func TestLoaderEmitsTimingSpans(t *testing.T) {
	rec := perf.NewRecorder()
	l := newTestLoader(t, LoaderConfig{Synchronous: true, Timers: rec})
	id := l.RegisterSource(&testSource{name: "timed"})

	r, _ := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: lazyArray(32)}, nil)
	if _, err := l.Load(r); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var found bool
	for _, e := range rec.Events() {
		if e.Name == "load_chunks" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a load_chunks span in the recorder")
	}
}

func TestLoaderSetSynchronous(t *testing.T) {
	l := newTestLoader(t, LoaderConfig{Synchronous: false, Delay: time.Millisecond})
	if l.Synchronous() {
		t.Fatal("expected async loader")
	}
	l.SetSynchronous(true)
	if !l.Synchronous() {
		t.Fatal("expected synchronous after toggle")
	}

	id := l.RegisterSource(&testSource{name: "toggle"})
	r, _ := NewRequest(testKey(t, id, 0), map[string]Array{RoleData: lazyArray(4)}, nil)
	done, err := l.Load(r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if done == nil {
		t.Fatal("expected synchronous completion after toggle")
	}
}
