package vocbase

import (
	"fmt"
	"time"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/shard"
)

const collectionVersion = 1

// Collection 本地集合的持久化记录
type Collection struct {
	ID         shard.CollectionID   `json:"id"`
	Database   string               `json:"database"`
	Shard      shard.ShardID        `json:"shard"`
	Type       shard.CollectionType `json:"type"`
	Properties shard.Properties     `json:"properties"`
	CreatedAt  time.Time            `json:"created_at"`
}

// Info 转换为快照使用的分片描述
func (c *Collection) Info() shard.ShardInfo {
	return shard.ShardInfo{
		ID:             c.Shard,
		Collection:     c.ID,
		CollectionType: c.Type,
		Properties:     c.Properties,
	}
}

func (c *Collection) Marshal() ([]byte, error) {
	props, err := c.Properties.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal properties")
	}
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint8(collectionVersion)
	enc.WriteString(string(c.ID))
	enc.WriteString(c.Database)
	enc.WriteString(string(c.Shard))
	enc.WriteUint8(uint8(c.Type))
	enc.WriteBinary(props)
	enc.WriteInt64(c.CreatedAt.UnixNano())
	return enc.Bytes(), nil
}

func (c *Collection) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	version, err := dec.Uint8()
	if err != nil {
		return err
	}
	if version == 0 || version > collectionVersion {
		return fmt.Errorf("unsupported collection version %d", version)
	}
	var s string
	if s, err = dec.String(); err != nil {
		return err
	}
	c.ID = shard.CollectionID(s)
	if c.Database, err = dec.String(); err != nil {
		return err
	}
	if s, err = dec.String(); err != nil {
		return err
	}
	c.Shard = shard.ShardID(s)
	typ, err := dec.Uint8()
	if err != nil {
		return err
	}
	c.Type = shard.CollectionType(typ)
	props, err := dec.Binary()
	if err != nil {
		return err
	}
	if c.Properties, err = shard.UnmarshalProperties(props); err != nil {
		return errors.Wrap(err, "unmarshal properties")
	}
	created, err := dec.Int64()
	if err != nil {
		return err
	}
	c.CreatedAt = time.Unix(0, created)
	return nil
}
