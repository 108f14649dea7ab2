package shard

import "errors"

var (
	ErrShardNotFound   = errors.New("shard not found")
	ErrUnknownOp       = errors.New("unknown shard operation")
	ErrStateResigned   = errors.New("shard state resigned")
	ErrInvalidShardID  = errors.New("invalid shard id")
	ErrUnsupportedType = errors.New("unsupported collection type")
)
