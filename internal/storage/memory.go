package storage

import (
	"context"
	"sync"
)

// MemoryLog keeps records in process memory
type MemoryLog struct {
	mu      sync.RWMutex
	threads map[string][]Record
}

// NewMemoryLog creates an empty in-memory log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{threads: make(map[string][]Record)}
}

// Create implements MessageLog
func (m *MemoryLog) Create(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[record.ThreadID] = append(m.threads[record.ThreadID], record)
	return nil
}

// ListByThread implements MessageLog
func (m *MemoryLog) ListByThread(_ context.Context, id string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[id]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	result := make([]Record, len(records))
	copy(result, records)
	return result, nil
}

// Stats implements StatsReporter
func (m *MemoryLog) Stats(context.Context) (LogStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := LogStats{Threads: len(m.threads)}
	for _, records := range m.threads {
		stats.Messages += len(records)
	}
	return stats, nil
}
