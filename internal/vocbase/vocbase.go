package vocbase

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/shard"
	"go.uber.org/zap"
)

var (
	ErrCollectionExists   = errors.New("collection already exists")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionMismatch = errors.New("collection id mismatch")
	ErrClosed             = errors.New("vocbase closed")
)

var collectionPrefix = []byte("c/")

// Vocbase 本地集合注册表，每个分片是一个本地集合
type Vocbase struct {
	db   *pebble.DB
	path string
	wo   *pebble.WriteOptions
	node *snowflake.Node

	// 同一个分片的读改写需要串行
	mu sync.Mutex
	rlog.Log
}

func New(path string, nodeID int64) (*Vocbase, error) {
	node, err := snowflake.NewNode(nodeID % 1024)
	if err != nil {
		return nil, err
	}
	return &Vocbase{
		path: path,
		wo:   &pebble.WriteOptions{Sync: true},
		node: node,
		Log:  rlog.NewRLog("Vocbase"),
	}, nil
}

func (v *Vocbase) Open() error {
	var err error
	v.db, err = pebble.Open(v.path, &pebble.Options{
		FormatMajorVersion: pebble.FormatNewest,
	})
	return errors.Wrapf(err, "open vocbase %s", v.path)
}

func (v *Vocbase) Close() error {
	if v.db == nil {
		return nil
	}
	err := v.db.Close()
	v.db = nil
	return err
}

// key: c/<database>\x00<shard>
func collectionKey(database string, id shard.ShardID) []byte {
	key := make([]byte, 0, len(collectionPrefix)+len(database)+len(id)+1)
	key = append(key, collectionPrefix...)
	key = append(key, database...)
	key = append(key, 0)
	key = append(key, id...)
	return key
}

func databaseBounds(database string) ([]byte, []byte) {
	lower := make([]byte, 0, len(collectionPrefix)+len(database)+1)
	lower = append(lower, collectionPrefix...)
	lower = append(lower, database...)
	upper := append(bytes.Clone(lower), 1)
	lower = append(lower, 0)
	return lower, upper
}

func (v *Vocbase) ShardExists(database string, id shard.ShardID) (bool, error) {
	_, err := v.Get(database, id)
	if errors.Is(err, ErrCollectionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Shards 按名称排序
func (v *Vocbase) Shards(database string) ([]shard.ShardID, error) {
	cols, err := v.List(database)
	if err != nil {
		return nil, err
	}
	ids := make([]shard.ShardID, 0, len(cols))
	for _, c := range cols {
		ids = append(ids, c.Shard)
	}
	return ids, nil
}

func (v *Vocbase) Get(database string, id shard.ShardID) (*Collection, error) {
	if v.db == nil {
		return nil, ErrClosed
	}
	value, closer, err := v.db.Get(collectionKey(database, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.Wrapf(ErrCollectionNotFound, "%s/%s", database, id)
		}
		return nil, err
	}
	defer closer.Close()
	c := &Collection{}
	if err = c.Unmarshal(value); err != nil {
		return nil, errors.Wrapf(err, "decode collection %s/%s", database, id)
	}
	return c, nil
}

func (v *Vocbase) List(database string) ([]*Collection, error) {
	if v.db == nil {
		return nil, ErrClosed
	}
	lower, upper := databaseBounds(database)
	iter := v.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	defer iter.Close()
	cols := make([]*Collection, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		c := &Collection{}
		if err := c.Unmarshal(iter.Value()); err != nil {
			return nil, errors.Wrapf(err, "decode collection %q", iter.Key())
		}
		cols = append(cols, c)
	}
	return cols, iter.Error()
}

func (v *Vocbase) Create(database string, id shard.ShardID, typ shard.CollectionType, props shard.Properties) (*Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	exists, err := v.ShardExists(database, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Wrapf(ErrCollectionExists, "%s/%s", database, id)
	}
	if props == nil {
		props = shard.Properties{}
	}
	c := &Collection{
		ID:         shard.CollectionID(strconv.FormatInt(v.node.Generate().Int64(), 10)),
		Database:   database,
		Shard:      id,
		Type:       typ,
		Properties: props,
		CreatedAt:  time.Now(),
	}
	if err = v.put(c); err != nil {
		return nil, err
	}
	v.Debug("collection created", zap.String("database", database), zap.String("shard", string(id)), zap.String("collection", string(c.ID)))
	return c, nil
}

func (v *Vocbase) Drop(database string, id shard.ShardID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.Get(database, id); err != nil {
		return err
	}
	if err := v.db.Delete(collectionKey(database, id), v.wo); err != nil {
		return errors.Wrapf(err, "delete collection %s/%s", database, id)
	}
	v.Debug("collection dropped", zap.String("database", database), zap.String("shard", string(id)))
	return nil
}

// Modify 合并属性，collection不为空时必须与分片所属的集合一致
func (v *Vocbase) Modify(database string, id shard.ShardID, collection shard.CollectionID, props shard.Properties) (*Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, err := v.Get(database, id)
	if err != nil {
		return nil, err
	}
	if collection != "" && collection != c.ID {
		return nil, errors.Wrapf(ErrCollectionMismatch, "shard %s belongs to %s, not %s", id, c.ID, collection)
	}
	if c.Properties == nil {
		c.Properties = shard.Properties{}
	}
	for k, val := range props {
		c.Properties[k] = val
	}
	if err = v.put(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (v *Vocbase) put(c *Collection) error {
	if v.db == nil {
		return ErrClosed
	}
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err = v.db.Set(collectionKey(c.Database, c.Shard), data, v.wo); err != nil {
		return errors.Wrapf(err, "write collection %s/%s", c.Database, c.Shard)
	}
	return nil
}

func (v *Vocbase) String() string {
	return fmt.Sprintf("Vocbase[%s]", v.path)
}
