package observability

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics provides basic in-memory counters.
type Metrics struct {
	mu           sync.Mutex
	requestCount map[string]int64
	errorCount   map[string]int64
	syncCount    map[string]int64
	ingestCount  map[string]int64
	unmapped     map[string]int64
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	return &Metrics{
		requestCount: make(map[string]int64),
		errorCount:   make(map[string]int64),
		syncCount:    make(map[string]int64),
		ingestCount:  make(map[string]int64),
		unmapped:     make(map[string]int64),
	}
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	key := pathKey(path, method, status)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount[key]++
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.inc(m.errorCount, path+"|"+method+"|"+code)
}

// RecordSync counts outbound push outcomes per entity type.
func (m *Metrics) RecordSync(entity, outcome string) {
	if m == nil {
		return
	}
	m.inc(m.syncCount, entity+"|"+outcome)
}

// RecordIngest counts inbound results.
func (m *Metrics) RecordIngest(result string) {
	if m == nil {
		return
	}
	m.inc(m.ingestCount, result)
}

// RecordUnmapped counts tracker values without a local counterpart.
func (m *Metrics) RecordUnmapped(field, value string) {
	if m == nil {
		return
	}
	m.inc(m.unmapped, field+"|"+value)
}

// Snapshot copies every counter, grouped by family.
func (m *Metrics) Snapshot() map[string]map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]map[string]int64{
		"requests": copyCounts(m.requestCount),
		"errors":   copyCounts(m.errorCount),
		"sync":     copyCounts(m.syncCount),
		"ingest":   copyCounts(m.ingestCount),
		"unmapped": copyCounts(m.unmapped),
	}
}

// UnmappedValues lists the distinct unmapped field|value pairs seen so far.
func (m *Metrics) UnmappedValues() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.unmapped))
	for key := range m.unmapped {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) inc(counter map[string]int64, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter[key]++
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func pathKey(path, method string, status int) string {
	return path + "|" + method + "|" + strconv.Itoa(status)
}
