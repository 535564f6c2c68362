package jobpool

import "sync"

type latencyEntry struct {
	count int
	ns    int64
}

// LatencyMap accumulates per-Op dispatch latency, exposed through the
// HTTP debug endpoint /debug/jobs. Grounded on the teacher's
// fuse/latencymap.go, narrowed to a single dimension (Op) since jobpool
// has no per-path argument worth bucketing separately.
type LatencyMap struct {
	mu    sync.Mutex
	stats map[Op]*latencyEntry
}

func NewLatencyMap() *LatencyMap {
	return &LatencyMap{stats: make(map[Op]*latencyEntry)}
}

func (m *LatencyMap) Add(op Op, ns int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.stats[op]
	if e == nil {
		e = &latencyEntry{}
		m.stats[op] = e
	}
	e.count++
	e.ns += ns
}

// Counts returns the number of completed dispatches per Op.
func (m *LatencyMap) Counts() map[Op]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make(map[Op]int, len(m.stats))
	for op, e := range m.stats {
		r[op] = e.count
	}
	return r
}

// MeanNanos returns the mean dispatch latency in nanoseconds per Op.
func (m *LatencyMap) MeanNanos() map[Op]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := make(map[Op]float64, len(m.stats))
	for op, e := range m.stats {
		if e.count > 0 {
			r[op] = float64(e.ns) / float64(e.count)
		}
	}
	return r
}
