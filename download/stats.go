package download

import (
	"maps"
	"sync"
	"time"
)

// Stats is a snapshot of the Downloader's counters: how many times each
// event fired and the time accumulated in each phase. Keys are stable
// strings ("init_*" for initialization phases, "loop_*" for the fetch loop,
// "network_*" for transfer totals). Observability only; nothing reads these
// for correctness.
type Stats struct {
	Events map[string]uint64
	Times  map[string]time.Duration
}

type statsTable struct {
	mu     sync.Mutex
	events map[string]uint64
	times  map[string]time.Duration
}

func (s *statsTable) init() {
	s.events = make(map[string]uint64)
	s.times = make(map[string]time.Duration)
}

func (s *statsTable) event(name string) {
	s.add(name, 1)
}

func (s *statsTable) add(name string, n uint64) {
	s.mu.Lock()
	s.events[name] += n
	s.mu.Unlock()
}

func (s *statsTable) timing(name string, d time.Duration) {
	s.mu.Lock()
	s.times[name] += d
	s.mu.Unlock()
}

// Stats returns a snapshot of all counters.
func (d *Downloader) Stats() Stats {
	d.stats.mu.Lock()
	defer d.stats.mu.Unlock()
	return Stats{
		Events: maps.Clone(d.stats.events),
		Times:  maps.Clone(d.stats.times),
	}
}
