package key

import (
	"encoding/binary"
	"hash/fnv"
)

const (
	logKeySize  = 20
	metaKeySize = 12
)

var (
	logKeyHeader  = [2]byte{0x1, 0x1}
	metaKeyHeader    = [2]byte{0x2, 0x2}
	releaseKeyHeader = [2]byte{0x3, 0x3}
)

// NewLogKey 日志key: header(2) + 保留(2) + logID哈希(8) + index(8)
func NewLogKey(logID string, index uint64) []byte {
	key := make([]byte, logKeySize)
	key[0] = logKeyHeader[0]
	key[1] = logKeyHeader[1]
	binary.BigEndian.PutUint64(key[4:], logIDToUint64(logID))
	binary.BigEndian.PutUint64(key[12:], index)
	return key
}

// ParseLogKeyIndex 从日志key中解析出下标
func ParseLogKeyIndex(key []byte) uint64 {
	if len(key) != logKeySize {
		return 0
	}
	return binary.BigEndian.Uint64(key[12:])
}

func NewMetaKey(logID string) []byte {
	key := make([]byte, metaKeySize)
	key[0] = metaKeyHeader[0]
	key[1] = metaKeyHeader[1]
	binary.BigEndian.PutUint64(key[4:], logIDToUint64(logID))
	return key
}

// NewReleaseKey 状态机已释放下标的key，与元数据key同长
func NewReleaseKey(logID string) []byte {
	key := make([]byte, metaKeySize)
	key[0] = releaseKeyHeader[0]
	key[1] = releaseKeyHeader[1]
	binary.BigEndian.PutUint64(key[4:], logIDToUint64(logID))
	return key
}

func logIDToUint64(logID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(logID))
	return h.Sum64()
}
