package vocbase

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVocbase(t *testing.T, dir string) *Vocbase {
	t.Helper()
	v, err := New(dir, 1)
	require.NoError(t, err)
	require.NoError(t, v.Open())
	return v
}

func TestCreateGetDrop(t *testing.T) {
	v := newTestVocbase(t, t.TempDir())
	defer v.Close()

	c, err := v.Create("db1", "s100", shard.CollectionTypeDocument, shard.Properties{"waitForSync": "true"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	_, err = v.Create("db1", "s100", shard.CollectionTypeEdge, nil)
	assert.True(t, errors.Is(err, ErrCollectionExists))

	got, err := v.Get("db1", "s100")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, shard.CollectionTypeDocument, got.Type)
	assert.Equal(t, "true", got.Properties["waitForSync"])

	exists, err := v.ShardExists("db1", "s100")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = v.ShardExists("db2", "s100")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, v.Drop("db1", "s100"))
	err = v.Drop("db1", "s100")
	assert.True(t, errors.Is(err, ErrCollectionNotFound))
}

func TestShardsAreScopedAndSorted(t *testing.T) {
	v := newTestVocbase(t, t.TempDir())
	defer v.Close()

	for _, id := range []shard.ShardID{"s3", "s1", "s2"} {
		_, err := v.Create("db", id, shard.CollectionTypeDocument, nil)
		require.NoError(t, err)
	}
	// 前缀相同的数据库不能混在一起
	_, err := v.Create("db2", "s0", shard.CollectionTypeDocument, nil)
	require.NoError(t, err)
	_, err = v.Create("d", "s9", shard.CollectionTypeDocument, nil)
	require.NoError(t, err)

	ids, err := v.Shards("db")
	require.NoError(t, err)
	assert.Equal(t, []shard.ShardID{"s1", "s2", "s3"}, ids)

	ids, err = v.Shards("missing")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestModifyMergesProperties(t *testing.T) {
	v := newTestVocbase(t, t.TempDir())
	defer v.Close()

	c, err := v.Create("db", "s1", shard.CollectionTypeEdge, shard.Properties{"a": "1"})
	require.NoError(t, err)

	_, err = v.Modify("db", "s1", "other", shard.Properties{"b": "2"})
	assert.True(t, errors.Is(err, ErrCollectionMismatch))

	m, err := v.Modify("db", "s1", c.ID, shard.Properties{"b": "2"})
	require.NoError(t, err)
	assert.Equal(t, shard.Properties{"a": "1", "b": "2"}, m.Properties)

	_, err = v.Modify("db", "missing", "", nil)
	assert.True(t, errors.Is(err, ErrCollectionNotFound))
}

func TestReopenKeepsCollections(t *testing.T) {
	dir := t.TempDir()
	v := newTestVocbase(t, dir)
	c, err := v.Create("db", "s1", shard.CollectionTypeDocument, nil)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	_, err = v.Get("db", "s1")
	assert.True(t, errors.Is(err, ErrClosed))

	v = newTestVocbase(t, dir)
	defer v.Close()
	cols, err := v.List("db")
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, c.ID, cols[0].ID)
	assert.Equal(t, c.CreatedAt.UnixNano(), cols[0].CreatedAt.UnixNano())
	assert.Equal(t, shard.ShardInfo{ID: "s1", Collection: c.ID, CollectionType: shard.CollectionTypeDocument, Properties: shard.Properties{}}, cols[0].Info())
}
