package shard

import (
	"context"
	"encoding/json"
	"fmt"
)

// ShardID 本地集合名，即分片名
type ShardID string

// CollectionID 分片所属的逻辑集合
type CollectionID string

type CollectionType uint8

const (
	CollectionTypeUnknown  CollectionType = 0
	CollectionTypeDocument CollectionType = 2
	CollectionTypeEdge     CollectionType = 3
)

func (t CollectionType) String() string {
	switch t {
	case CollectionTypeDocument:
		return "document"
	case CollectionTypeEdge:
		return "edge"
	}
	return fmt.Sprintf("CollectionType[%d]", t)
}

func (t CollectionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *CollectionType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "document", "2":
		*t = CollectionTypeDocument
	case "edge", "3":
		*t = CollectionTypeEdge
	default:
		return fmt.Errorf("unknown collection type %q", b)
	}
	return nil
}

// Properties 集合属性
type Properties map[string]any

func (p Properties) Marshal() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func UnmarshalProperties(data []byte) (Properties, error) {
	props := Properties{}
	if len(data) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return props, nil
}

// MaintenanceActionExecutor 执行本地DDL并通知集群协调层
type MaintenanceActionExecutor interface {
	ExecuteCreateCollection(ctx context.Context, shard ShardID, typ CollectionType, props Properties) error
	ExecuteDropCollection(ctx context.Context, shard ShardID) error
	ExecuteModifyCollection(ctx context.Context, shard ShardID, collection CollectionID, props Properties) error
	// AddDirty 本地状态变化，需要与集群配置重新对齐
	AddDirty()
}

// CollectionRegistry 本地集合的只读视图
type CollectionRegistry interface {
	ShardExists(database string, shard ShardID) (bool, error)
	// Shards 数据库下所有本地分片，按名称排序
	Shards(database string) ([]ShardID, error)
}
