package storage

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/replication/storage/key"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/zap"
)

// PebbleStore 多个复制日志共用一个pebble实例，按logID区分key空间
type PebbleStore struct {
	db     *pebble.DB
	path   string
	wo     *pebble.WriteOptions
	noSync *pebble.WriteOptions
	opts   *PebbleOptions
	rlog.Log
}

type PebbleOptions struct {
	// EntryCacheSize 每个日志缓存的已解码日志条数
	EntryCacheSize int
}

func NewPebbleStore(path string, opts *PebbleOptions) *PebbleStore {
	if opts == nil {
		opts = &PebbleOptions{EntryCacheSize: 1024}
	}
	return &PebbleStore{
		path:   path,
		wo:     &pebble.WriteOptions{Sync: true},
		noSync: &pebble.WriteOptions{Sync: false},
		opts:   opts,
		Log:    rlog.NewRLog("PebbleStore"),
	}
}

func (p *PebbleStore) Open() error {
	var err error
	p.db, err = pebble.Open(p.path, &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	return errors.Wrapf(err, "open pebble %s", p.path)
}

func (p *PebbleStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Methods 返回指定日志的存储，会从磁盘加载首尾下标
func (p *PebbleStore) Methods(logID string) (*PebbleMethods, error) {
	if p.db == nil {
		return nil, ErrClosed
	}
	cache, err := lru.New[types.LogIndex, types.LogEntry](p.opts.EntryCacheSize)
	if err != nil {
		return nil, err
	}
	m := &PebbleMethods{
		store: p,
		logID: logID,
		cache: cache,
		Log:   rlog.NewRLog("PebbleMethods[" + logID + "]"),
	}
	if err := m.loadBounds(); err != nil {
		return nil, err
	}
	return m, nil
}

type PebbleMethods struct {
	store *PebbleStore
	logID string
	cache *lru.Cache[types.LogIndex, types.LogEntry]

	mu    sync.RWMutex
	first types.LogIndex
	last  types.TermIndexPair
	rlog.Log
}

func (m *PebbleMethods) loadBounds() error {
	iter := m.store.db.NewIter(&pebble.IterOptions{
		LowerBound: key.NewLogKey(m.logID, 0),
		UpperBound: key.NewLogKey(m.logID, math.MaxUint64),
	})
	defer iter.Close()
	if iter.First() {
		m.first = types.LogIndex(key.ParseLogKeyIndex(iter.Key()))
	}
	if iter.Last() {
		e, err := decodeStoredEntry(iter.Value())
		if err != nil {
			return err
		}
		m.last = e.TermIndex
	}
	return iter.Error()
}

func (m *PebbleMethods) Append(entries []types.LogEntry, waitForSync bool) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkContiguous(m.last, entries); err != nil {
		return err
	}

	batch := m.store.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		data, err := e.Marshal()
		if err != nil {
			return err
		}
		// 追加写入时间，便于排查
		timeData := make([]byte, 8)
		binary.BigEndian.PutUint64(timeData, uint64(time.Now().UnixNano()))
		data = append(data, timeData...)
		if err = batch.Set(key.NewLogKey(m.logID, uint64(e.Index())), data, m.store.noSync); err != nil {
			return err
		}
	}
	wo := m.store.noSync
	if waitForSync {
		wo = m.store.wo
	}
	if err := batch.Commit(wo); err != nil {
		return errors.Wrap(err, "commit log batch")
	}
	if m.first == 0 {
		m.first = entries[0].Index()
	}
	m.last = entries[len(entries)-1].TermIndex
	for _, e := range entries {
		m.cache.Add(e.Index(), e)
	}
	return nil
}

func (m *PebbleMethods) Read(first, end types.LogIndex) ([]types.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.first == 0 || first >= end {
		return nil, nil
	}
	if first < m.first {
		first = m.first
	}
	if end > m.last.Index+1 {
		end = m.last.Index + 1
	}
	if first >= end {
		return nil, nil
	}

	entries := make([]types.LogEntry, 0, end-first)
	// 全部命中缓存时不访问磁盘
	for i := first; i < end; i++ {
		e, ok := m.cache.Get(i)
		if !ok {
			entries = entries[:0]
			break
		}
		entries = append(entries, e)
	}
	if len(entries) == int(end-first) {
		return entries, nil
	}

	iter := m.store.db.NewIter(&pebble.IterOptions{
		LowerBound: key.NewLogKey(m.logID, uint64(first)),
		UpperBound: key.NewLogKey(m.logID, uint64(end)),
	})
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeStoredEntry(iter.Value())
		if err != nil {
			return nil, err
		}
		m.cache.Add(e.Index(), e)
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

func (m *PebbleMethods) Entry(index types.LogIndex) (types.LogEntry, error) {
	m.mu.RLock()
	first, last := m.first, m.last.Index
	m.mu.RUnlock()
	if first == 0 || index > last {
		return types.LogEntry{}, ErrNotFound
	}
	if index < first {
		return types.LogEntry{}, ErrIndexCompacted
	}
	entries, err := m.Read(index, index+1)
	if err != nil {
		return types.LogEntry{}, err
	}
	if len(entries) == 0 {
		return types.LogEntry{}, ErrNotFound
	}
	return entries[0], nil
}

func (m *PebbleMethods) LastEntry() (types.TermIndexPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *PebbleMethods) FirstIndex() (types.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.first, nil
}

func (m *PebbleMethods) RemoveFront(stop types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.first == 0 {
		return nil
	}
	if stop > m.last.Index {
		stop = m.last.Index
	}
	if stop <= m.first {
		return nil
	}
	err := m.store.db.DeleteRange(key.NewLogKey(m.logID, uint64(m.first)), key.NewLogKey(m.logID, uint64(stop)), m.store.noSync)
	if err != nil {
		return errors.Wrap(err, "remove front")
	}
	for i := m.first; i < stop; i++ {
		m.cache.Remove(i)
	}
	m.first = stop
	return nil
}

func (m *PebbleMethods) RemoveBack(start types.LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.first == 0 || start > m.last.Index {
		return nil
	}
	if start < m.first {
		start = m.first
	}
	err := m.store.db.DeleteRange(key.NewLogKey(m.logID, uint64(start)), key.NewLogKey(m.logID, math.MaxUint64), m.store.wo)
	if err != nil {
		return errors.Wrap(err, "remove back")
	}
	for _, idx := range m.cache.Keys() {
		if idx >= start {
			m.cache.Remove(idx)
		}
	}
	if start == m.first {
		m.first = 0
		m.last = types.TermIndexPair{}
		return nil
	}
	prev, err := m.readFromDisk(start - 1)
	if err != nil {
		m.Error("read entry before truncation failed", zap.Uint64("index", uint64(start-1)), zap.Error(err))
		return err
	}
	m.last = prev.TermIndex
	return nil
}

func (m *PebbleMethods) readFromDisk(index types.LogIndex) (types.LogEntry, error) {
	value, closer, err := m.store.db.Get(key.NewLogKey(m.logID, uint64(index)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return types.LogEntry{}, ErrNotFound
		}
		return types.LogEntry{}, err
	}
	defer closer.Close()
	return decodeStoredEntry(value)
}

func (m *PebbleMethods) ReadMetadata() (*types.PersistedStateInfo, error) {
	value, closer, err := m.store.db.Get(key.NewMetaKey(m.logID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	info := &types.PersistedStateInfo{}
	if err := info.Unmarshal(value); err != nil {
		return nil, errors.Wrap(err, "decode metadata")
	}
	return info, nil
}

func (m *PebbleMethods) UpdateMetadata(info *types.PersistedStateInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return m.store.db.Set(key.NewMetaKey(m.logID), data, m.store.wo)
}

func (m *PebbleMethods) ReadReleaseIndex() (types.LogIndex, error) {
	value, closer, err := m.store.db.Get(key.NewReleaseKey(m.logID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errors.Errorf("invalid release index value, len=%d", len(value))
	}
	return types.LogIndex(binary.BigEndian.Uint64(value)), nil
}

// UpdateReleaseIndex 不强制落盘
func (m *PebbleMethods) UpdateReleaseIndex(index types.LogIndex) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(index))
	return m.store.db.Set(key.NewReleaseKey(m.logID), value, m.store.noSync)
}

// decodeStoredEntry 去掉末尾8字节的写入时间后解码
func decodeStoredEntry(value []byte) (types.LogEntry, error) {
	if len(value) < 8 {
		return types.LogEntry{}, types.ErrInvalidEntry
	}
	data := make([]byte, len(value)-8)
	copy(data, value[:len(value)-8])
	return types.UnmarshalLogEntry(data)
}
