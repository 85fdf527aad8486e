package metrics

import "sync"

// Memory keeps every recorded value in process. It is meant for tests and
// for debug endpoints, not for production scraping.
type Memory struct {
	mu       sync.Mutex
	counters map[string][]tagged
	timings  map[string][]float64
}

type tagged struct {
	value float64
	tags  map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string][]tagged),
		timings:  make(map[string][]float64),
	}
}

func (m *Memory) Add(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = append(m.counters[name], tagged{value: value, tags: tags})
}

func (m *Memory) Observe(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings[name] = append(m.timings[name], value)
}

// Counter sums every Add for name regardless of tags.
func (m *Memory) Counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, v := range m.counters[name] {
		total += v.value
	}
	return total
}

// CounterWith sums the Adds for name whose tag key equals value.
func (m *Memory) CounterWith(name, key, value string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, v := range m.counters[name] {
		if v.tags[key] == value {
			total += v.value
		}
	}
	return total
}

// Observations returns a copy of the values observed for name.
func (m *Memory) Observations(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.timings[name]...)
}
