package storage

import (
	"sync"

	"github.com/shardlog/shardlog/pkg/replication/types"
)

// MemoryMethods 内存实现，用于测试和单机演示
type MemoryMethods struct {
	mu       sync.RWMutex
	entries  []types.LogEntry
	metadata *types.PersistedStateInfo
	release  types.LogIndex
}

func NewMemoryMethods() *MemoryMethods {
	return &MemoryMethods{}
}

func (m *MemoryMethods) Append(entries []types.LogEntry, waitForSync bool) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkContiguous(m.lastLocked(), entries); err != nil {
		return err
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryMethods) lastLocked() types.TermIndexPair {
	if len(m.entries) == 0 {
		return types.TermIndexPair{}
	}
	return m.entries[len(m.entries)-1].TermIndex
}

func (m *MemoryMethods) Read(first, end types.LogIndex) ([]types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 || first >= end {
		return nil, nil
	}
	base := m.entries[0].Index()
	if first < base {
		first = base
	}
	last := m.entries[len(m.entries)-1].Index()
	if end > last+1 {
		end = last + 1
	}
	if first >= end {
		return nil, nil
	}
	out := make([]types.LogEntry, end-first)
	copy(out, m.entries[first-base:end-base])
	return out, nil
}

func (m *MemoryMethods) Entry(index types.LogIndex) (types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return types.LogEntry{}, ErrNotFound
	}
	base := m.entries[0].Index()
	if index < base {
		return types.LogEntry{}, ErrIndexCompacted
	}
	if index-base >= types.LogIndex(len(m.entries)) {
		return types.LogEntry{}, ErrNotFound
	}
	return m.entries[index-base], nil
}

func (m *MemoryMethods) LastEntry() (types.TermIndexPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLocked(), nil
}

func (m *MemoryMethods) FirstIndex() (types.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[0].Index(), nil
}

func (m *MemoryMethods) RemoveFront(stop types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	last := m.entries[len(m.entries)-1].Index()
	if stop > last {
		stop = last
	}
	base := m.entries[0].Index()
	if stop <= base {
		return nil
	}
	m.entries = append([]types.LogEntry(nil), m.entries[stop-base:]...)
	return nil
}

func (m *MemoryMethods) RemoveBack(start types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	base := m.entries[0].Index()
	if start <= base {
		m.entries = m.entries[:0]
		return nil
	}
	if start-base < types.LogIndex(len(m.entries)) {
		m.entries = m.entries[:start-base]
	}
	return nil
}

func (m *MemoryMethods) ReadMetadata() (*types.PersistedStateInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metadata == nil {
		return nil, ErrNotFound
	}
	info := *m.metadata
	return &info, nil
}

func (m *MemoryMethods) UpdateMetadata(info *types.PersistedStateInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *info
	m.metadata = &cp
	return nil
}

func (m *MemoryMethods) ReadReleaseIndex() (types.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.release, nil
}

func (m *MemoryMethods) UpdateReleaseIndex(index types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release = index
	return nil
}

func checkContiguous(last types.TermIndexPair, entries []types.LogEntry) error {
	prev := last
	for i, e := range entries {
		if (i > 0 || !prev.IsZero()) && e.Index() != prev.Index+1 {
			return ErrNotContiguous
		}
		if e.Term() < prev.Term {
			return ErrNotContiguous
		}
		prev = e.TermIndex
	}
	return nil
}
