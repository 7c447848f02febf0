package chunk

// Window size for load time statistics. A short rolling average jumps
// around less than the last load time alone.
const statWindowSize = 10

// StatWindow maintains an average over a fixed-size rolling window.
type StatWindow struct {
	size   int
	values []float64
	index  int
}

// NewStatWindow creates a window holding up to size values.
func NewStatWindow(size int) *StatWindow {
	return &StatWindow{size: size}
}

// Add inserts one value, displacing the oldest once the window is full.
func (w *StatWindow) Add(value float64) {
	if len(w.values) < w.size {
		w.values = append(w.values, value)
		return
	}
	w.values[w.index] = value
	w.index = (w.index + 1) % w.size
}

// Average returns the mean of the windowed values, or 0 if empty.
func (w *StatWindow) Average() float64 {
	if len(w.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

// SourceInfo tracks loading statistics for one registered source. It
// holds only the source's numeric identity, never the source itself,
// so bookkeeping cannot keep a destroyed source alive.
type SourceInfo struct {
	SourceID  uint64
	NumLoads  int64
	NumChunks int64
	NumBytes  int64

	// loadTime averages recent load durations in milliseconds.
	loadTime *StatWindow
}

func newSourceInfo(sourceID uint64) *SourceInfo {
	return &SourceInfo{
		SourceID: sourceID,
		loadTime: NewStatWindow(statWindowSize),
	}
}

// loadFinished records one satisfied request.
func (info *SourceInfo) loadFinished(r *Request) {
	info.NumLoads++
	info.NumChunks += int64(r.NumChunks())
	info.NumBytes += r.NumBytes()
	if span, ok := r.Spans["load_chunks"]; ok {
		info.loadTime.Add(float64(span.Duration().Milliseconds()))
	}
}

// SourceStats is a diagnostic snapshot of one source's counters.
type SourceStats struct {
	SourceID   uint64  `json:"source_id"`
	Name       string  `json:"name,omitempty"`
	NumLoads   int64   `json:"num_loads"`
	NumChunks  int64   `json:"num_chunks"`
	NumBytes   int64   `json:"num_bytes"`
	LoadTimeMS float64 `json:"load_time_ms"`
}
