package storage_test

import (
	"testing"

	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPebbleStore(t *testing.T, dir string) *storage.PebbleStore {
	t.Helper()
	s := storage.NewPebbleStore(dir, &storage.PebbleOptions{EntryCacheSize: 4})
	require.NoError(t, s.Open())
	return s
}

func entries(term types.LogTerm, from, to types.LogIndex) []types.LogEntry {
	out := make([]types.LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, types.NewPayloadEntry(types.NewTermIndexPair(term, i), []byte{byte(i)}, false))
	}
	return out
}

func TestMethods(t *testing.T) {
	impls := map[string]func(t *testing.T) storage.Methods{
		"memory": func(t *testing.T) storage.Methods {
			return storage.NewMemoryMethods()
		},
		"pebble": func(t *testing.T) storage.Methods {
			s := newTestPebbleStore(t, t.TempDir())
			t.Cleanup(func() { _ = s.Close() })
			m, err := s.Methods("log-1")
			require.NoError(t, err)
			return m
		},
	}

	for name, newMethods := range impls {
		t.Run(name+"/append and read", func(t *testing.T) {
			m := newMethods(t)
			last, err := m.LastEntry()
			require.NoError(t, err)
			assert.True(t, last.IsZero())

			require.NoError(t, m.Append(entries(1, 1, 10), true))
			assert.ErrorIs(t, m.Append(entries(1, 12, 12), false), storage.ErrNotContiguous)

			got, err := m.Read(3, 6)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, types.LogIndex(3), got[0].Index())
			assert.Equal(t, []byte{5}, got[2].Payload)

			// 超出范围的部分被忽略
			got, err = m.Read(8, 100)
			require.NoError(t, err)
			assert.Len(t, got, 3)

			_, err = m.Entry(11)
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})

		t.Run(name+"/remove front keeps last entry", func(t *testing.T) {
			m := newMethods(t)
			require.NoError(t, m.Append(entries(1, 1, 5), true))
			require.NoError(t, m.RemoveFront(100))

			first, err := m.FirstIndex()
			require.NoError(t, err)
			assert.Equal(t, types.LogIndex(5), first)
			last, err := m.LastEntry()
			require.NoError(t, err)
			assert.Equal(t, types.NewTermIndexPair(1, 5), last)

			_, err = m.Entry(2)
			assert.ErrorIs(t, err, storage.ErrIndexCompacted)
		})

		t.Run(name+"/remove back", func(t *testing.T) {
			m := newMethods(t)
			require.NoError(t, m.Append(entries(1, 1, 5), true))
			require.NoError(t, m.RemoveBack(3))
			last, err := m.LastEntry()
			require.NoError(t, err)
			assert.Equal(t, types.NewTermIndexPair(1, 2), last)

			require.NoError(t, m.Append(entries(2, 3, 4), true))
			e, err := m.Entry(3)
			require.NoError(t, err)
			assert.Equal(t, types.LogTerm(2), e.Term())
		})

		t.Run(name+"/metadata", func(t *testing.T) {
			m := newMethods(t)
			_, err := m.ReadMetadata()
			assert.ErrorIs(t, err, storage.ErrNotFound)

			info := &types.PersistedStateInfo{StateID: "s", Snapshot: types.SnapshotInfo{Status: types.SnapshotCompleted}}
			require.NoError(t, m.UpdateMetadata(info))
			got, err := m.ReadMetadata()
			require.NoError(t, err)
			assert.Equal(t, types.SnapshotCompleted, got.Snapshot.Status)
		})

		t.Run(name+"/release index", func(t *testing.T) {
			m := newMethods(t)
			idx, err := m.ReadReleaseIndex()
			require.NoError(t, err)
			assert.Equal(t, types.LogIndex(0), idx)

			require.NoError(t, m.UpdateReleaseIndex(7))
			idx, err = m.ReadReleaseIndex()
			require.NoError(t, err)
			assert.Equal(t, types.LogIndex(7), idx)
		})
	}
}

func TestPebbleMethodsReopen(t *testing.T) {
	dir := t.TempDir()
	s := newTestPebbleStore(t, dir)
	m, err := s.Methods("log-1")
	require.NoError(t, err)
	require.NoError(t, m.Append(entries(3, 1, 20), true))
	require.NoError(t, m.RemoveFront(5))
	require.NoError(t, m.UpdateReleaseIndex(12))

	other, err := s.Methods("log-2")
	require.NoError(t, err)
	require.NoError(t, other.Append(entries(1, 1, 2), true))
	require.NoError(t, s.Close())

	s = newTestPebbleStore(t, dir)
	defer s.Close()
	m, err = s.Methods("log-1")
	require.NoError(t, err)
	first, err := m.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(5), first)
	last, err := m.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, types.NewTermIndexPair(3, 20), last)
	release, err := m.ReadReleaseIndex()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(12), release)

	// 读取大于缓存大小的范围
	got, err := m.Read(5, 21)
	require.NoError(t, err)
	assert.Len(t, got, 16)

	other, err = s.Methods("log-2")
	require.NoError(t, err)
	last, err = other.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, types.NewTermIndexPair(1, 2), last)
	release, err = other.ReadReleaseIndex()
	require.NoError(t, err)
	assert.Equal(t, types.LogIndex(0), release)
}
