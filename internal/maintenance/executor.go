package maintenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/internal/vocbase"
	"github.com/shardlog/shardlog/pkg/keylock"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/shard"
	"go.uber.org/zap"
)

const maxShardIDLen = 256

// Store 执行器依赖的本地集合存储
type Store interface {
	Create(database string, id shard.ShardID, typ shard.CollectionType, props shard.Properties) (*vocbase.Collection, error)
	Drop(database string, id shard.ShardID) error
	Modify(database string, id shard.ShardID, collection shard.CollectionID, props shard.Properties) (*vocbase.Collection, error)
}

// Executor 一个数据库的维护动作执行器，同一分片的DDL串行执行
type Executor struct {
	database string
	store    Store
	locks    *keylock.KeyLock
	tracker  *shard.VersionTracker
	rlog.Log
}

func NewExecutor(database string, store Store, locks *keylock.KeyLock, tracker *shard.VersionTracker) *Executor {
	if tracker == nil {
		tracker = shard.DefaultVersionTracker()
	}
	return &Executor{
		database: database,
		store:    store,
		locks:    locks,
		tracker:  tracker,
		Log:      rlog.NewRLog(fmt.Sprintf("Maintenance[%s]", database)),
	}
}

func ValidateShardID(id shard.ShardID) error {
	s := string(id)
	if s == "" || len(s) > maxShardIDLen || strings.ContainsAny(s, "/\x00") {
		return errors.Wrapf(shard.ErrInvalidShardID, "%q", s)
	}
	return nil
}

func ValidateType(typ shard.CollectionType) error {
	switch typ {
	case shard.CollectionTypeDocument, shard.CollectionTypeEdge:
		return nil
	}
	return errors.Wrapf(shard.ErrUnsupportedType, "%s", typ)
}

func (e *Executor) lockKey(id shard.ShardID) string {
	return e.database + "/" + string(id)
}

func (e *Executor) withShardLock(ctx context.Context, id shard.ShardID, fn func() error) error {
	if err := ValidateShardID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := e.lockKey(id)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)
	return fn()
}

func (e *Executor) ExecuteCreateCollection(ctx context.Context, id shard.ShardID, typ shard.CollectionType, props shard.Properties) error {
	if err := ValidateType(typ); err != nil {
		return err
	}
	return e.withShardLock(ctx, id, func() error {
		c, err := e.store.Create(e.database, id, typ, props)
		if err != nil {
			return err
		}
		e.Info("create collection", zap.String("shard", string(id)), zap.String("collection", string(c.ID)), zap.String("type", typ.String()))
		return nil
	})
}

func (e *Executor) ExecuteDropCollection(ctx context.Context, id shard.ShardID) error {
	return e.withShardLock(ctx, id, func() error {
		if err := e.store.Drop(e.database, id); err != nil {
			return err
		}
		e.Info("drop collection", zap.String("shard", string(id)))
		return nil
	})
}

func (e *Executor) ExecuteModifyCollection(ctx context.Context, id shard.ShardID, collection shard.CollectionID, props shard.Properties) error {
	return e.withShardLock(ctx, id, func() error {
		c, err := e.store.Modify(e.database, id, collection, props)
		if err != nil {
			return err
		}
		e.Info("modify collection", zap.String("shard", string(id)), zap.String("collection", string(c.ID)), zap.Int("properties", len(props)))
		return nil
	})
}

// AddDirty 通知同步循环重新对齐本地状态
func (e *Executor) AddDirty() {
	v := e.tracker.Increment()
	dirtyTotal.WithLabelValues(e.database).Inc()
	e.Debug("dirty", zap.Uint64("version", v))
}
