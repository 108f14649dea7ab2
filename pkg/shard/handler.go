package shard

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ShardHandler 把分片DDL交给维护执行器，自身不保存状态
type ShardHandler struct {
	database string
	executor MaintenanceActionExecutor
	registry CollectionRegistry
	rlog.Log
}

func NewShardHandler(database string, executor MaintenanceActionExecutor, registry CollectionRegistry) *ShardHandler {
	return &ShardHandler{
		database: database,
		executor: executor,
		registry: registry,
		Log:      rlog.NewRLog(fmt.Sprintf("ShardHandler[%s]", database)),
	}
}

func (h *ShardHandler) Database() string {
	return h.database
}

// EnsureShard 分片不存在时创建，无论是否创建都会标记脏
func (h *ShardHandler) EnsureShard(ctx context.Context, shard ShardID, typ CollectionType, props Properties) error {
	exists, err := h.lookup(shard)
	if err != nil {
		return err
	}
	if !exists {
		err = h.executor.ExecuteCreateCollection(ctx, shard, typ, props)
	}
	h.executor.AddDirty()
	ddlTotal.WithLabelValues(h.database, OpEnsureShard.String(), resultLabel(err)).Inc()
	if err != nil {
		h.Warn("ensure shard failed", zap.String("shard", string(shard)), zap.String("type", typ.String()), zap.Error(err))
		return errors.Wrapf(err, "create shard %s", shard)
	}
	return nil
}

// DropShard 分片不存在时直接失败，不调用执行器也不标记脏
func (h *ShardHandler) DropShard(ctx context.Context, shard ShardID) error {
	exists, err := h.lookup(shard)
	if err != nil {
		return err
	}
	if !exists {
		ddlTotal.WithLabelValues(h.database, OpDropShard.String(), "not_found").Inc()
		return errors.Wrapf(ErrShardNotFound, "drop shard %s", shard)
	}
	err = h.executor.ExecuteDropCollection(ctx, shard)
	h.executor.AddDirty()
	ddlTotal.WithLabelValues(h.database, OpDropShard.String(), resultLabel(err)).Inc()
	if err != nil {
		h.Warn("drop shard failed", zap.String("shard", string(shard)), zap.Error(err))
		return errors.Wrapf(err, "drop shard %s", shard)
	}
	return nil
}

// lookup 查询失败时状态不确定，同样标记脏
func (h *ShardHandler) lookup(shard ShardID) (bool, error) {
	exists, err := h.registry.ShardExists(h.database, shard)
	if err != nil {
		h.executor.AddDirty()
		h.Warn("lookup shard failed", zap.String("shard", string(shard)), zap.Error(err))
		return false, errors.Wrapf(err, "lookup shard %s", shard)
	}
	return exists, nil
}

// DropAllShards 尽力删除数据库下所有分片，任一失败则整体失败
func (h *ShardHandler) DropAllShards(ctx context.Context) error {
	shards, err := h.registry.Shards(h.database)
	if err != nil {
		return errors.Wrap(err, "list shards")
	}
	var errs error
	for _, shard := range shards {
		errs = multierr.Append(errs, h.DropShard(ctx, shard))
	}
	if errs != nil {
		h.Warn("drop all shards finished with failures", zap.Int("shards", len(shards)), zap.Int("failures", len(multierr.Errors(errs))))
	}
	return errs
}

// ModifyShard 修改已有分片的属性
func (h *ShardHandler) ModifyShard(ctx context.Context, shard ShardID, collection CollectionID, props Properties) error {
	exists, err := h.lookup(shard)
	if err != nil {
		return err
	}
	if !exists {
		ddlTotal.WithLabelValues(h.database, OpModifyShard.String(), "not_found").Inc()
		return errors.Wrapf(ErrShardNotFound, "modify shard %s", shard)
	}
	err = h.executor.ExecuteModifyCollection(ctx, shard, collection, props)
	h.executor.AddDirty()
	ddlTotal.WithLabelValues(h.database, OpModifyShard.String(), resultLabel(err)).Inc()
	if err != nil {
		h.Warn("modify shard failed", zap.String("shard", string(shard)), zap.String("collection", string(collection)), zap.Error(err))
		return errors.Wrapf(err, "modify shard %s", shard)
	}
	return nil
}

// Apply 执行一条DDL日志
func (h *ShardHandler) Apply(ctx context.Context, e *ShardEntry) error {
	switch e.Op {
	case OpEnsureShard:
		return h.EnsureShard(ctx, e.Shard, e.CollectionType, e.Properties)
	case OpDropShard:
		return h.DropShard(ctx, e.Shard)
	case OpDropAllShards:
		return h.DropAllShards(ctx)
	case OpModifyShard:
		return h.ModifyShard(ctx, e.Shard, e.Collection, e.Properties)
	}
	return fmt.Errorf("%w: %d", ErrUnknownOp, e.Op)
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
