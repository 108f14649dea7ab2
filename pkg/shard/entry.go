package shard

import (
	"fmt"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/pkg/errors"
)

type Op uint8

const (
	OpUnknown Op = iota
	OpEnsureShard
	OpDropShard
	OpDropAllShards
	OpModifyShard
)

func (o Op) String() string {
	switch o {
	case OpEnsureShard:
		return "EnsureShard"
	case OpDropShard:
		return "DropShard"
	case OpDropAllShards:
		return "DropAllShards"
	case OpModifyShard:
		return "ModifyShard"
	}
	return fmt.Sprintf("Op[%d]", o)
}

const entryVersion uint8 = 1

// ShardEntry 一条分片DDL日志
type ShardEntry struct {
	Op             Op
	Shard          ShardID
	Collection     CollectionID
	CollectionType CollectionType
	Properties     Properties
}

func NewEnsureShardEntry(shard ShardID, typ CollectionType, props Properties) *ShardEntry {
	return &ShardEntry{Op: OpEnsureShard, Shard: shard, CollectionType: typ, Properties: props}
}

func NewDropShardEntry(shard ShardID) *ShardEntry {
	return &ShardEntry{Op: OpDropShard, Shard: shard}
}

func NewDropAllShardsEntry() *ShardEntry {
	return &ShardEntry{Op: OpDropAllShards}
}

func NewModifyShardEntry(shard ShardID, collection CollectionID, props Properties) *ShardEntry {
	return &ShardEntry{Op: OpModifyShard, Shard: shard, Collection: collection, Properties: props}
}

func (e *ShardEntry) String() string {
	return fmt.Sprintf("%s(shard=%s collection=%s type=%s)", e.Op, e.Shard, e.Collection, e.CollectionType)
}

func (e *ShardEntry) Marshal() ([]byte, error) {
	props, err := e.Properties.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal properties")
	}
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint8(entryVersion)
	enc.WriteUint8(uint8(e.Op))
	enc.WriteString(string(e.Shard))
	enc.WriteString(string(e.Collection))
	enc.WriteUint8(uint8(e.CollectionType))
	enc.WriteBinary(props)
	return enc.Bytes(), nil
}

func (e *ShardEntry) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	version, err := dec.Uint8()
	if err != nil {
		return err
	}
	if version == 0 || version > entryVersion {
		return fmt.Errorf("unsupported shard entry version %d", version)
	}
	op, err := dec.Uint8()
	if err != nil {
		return err
	}
	e.Op = Op(op)
	var s string
	if s, err = dec.String(); err != nil {
		return err
	}
	e.Shard = ShardID(s)
	if s, err = dec.String(); err != nil {
		return err
	}
	e.Collection = CollectionID(s)
	typ, err := dec.Uint8()
	if err != nil {
		return err
	}
	e.CollectionType = CollectionType(typ)
	props, err := dec.Binary()
	if err != nil {
		return err
	}
	if e.Properties, err = UnmarshalProperties(props); err != nil {
		return errors.Wrap(err, "unmarshal properties")
	}
	return nil
}

// EntryCodec 分片日志与复制日志负载之间的编解码
type EntryCodec struct{}

func (EntryCodec) Encode(e *ShardEntry) ([]byte, error) {
	return e.Marshal()
}

func (EntryCodec) Decode(data []byte) (*ShardEntry, error) {
	e := &ShardEntry{}
	if err := e.Unmarshal(data); err != nil {
		return nil, err
	}
	return e, nil
}
