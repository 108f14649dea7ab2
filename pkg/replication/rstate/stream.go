package rstate

import (
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/types"
)

type leaderStream[E any] struct {
	leader *replog.Leader
	conn   *replog.Connection
	codec  EntryCodec[E]
}

func (s *leaderStream[E]) Insert(entry E, waitForSync bool) (types.LogIndex, error) {
	data, err := s.codec.Encode(entry)
	if err != nil {
		return 0, errors.Wrap(err, "encode entry")
	}
	return s.leader.Insert(data, waitForSync)
}

func (s *leaderStream[E]) WaitFor(index types.LogIndex) *future.Future[types.LogIndex] {
	return s.leader.WaitFor(index)
}

func (s *leaderStream[E]) Release(index types.LogIndex) {
	s.conn.Release(index)
}

type followerStream[E any] struct {
	follower *replog.Follower
	conn     *replog.Connection
}

func (s *followerStream[E]) CommitIndex() types.LogIndex {
	return s.follower.CommitIndex()
}

func (s *followerStream[E]) Release(index types.LogIndex) {
	s.conn.Release(index)
}

// committedReader Leader和Follower共有的读接口
type committedReader interface {
	FirstIndex() (types.LogIndex, error)
	ReadCommitted(first, end types.LogIndex) ([]types.LogEntry, error)
}

// readEntries 读取[from, to]内已提交的应用日志，跳过元日志
func readEntries[E any](r committedReader, codec EntryCodec[E], from, to types.LogIndex) ([]Entry[E], error) {
	first, err := r.FirstIndex()
	if err != nil {
		return nil, errors.Wrap(err, "read first index")
	}
	from = max(from, first, 1)
	if from > to {
		return nil, nil
	}
	logEntries, err := r.ReadCommitted(from, to+1)
	if err != nil {
		return nil, errors.Wrapf(err, "read committed entries [%d, %d]", from, to)
	}
	out := make([]Entry[E], 0, len(logEntries))
	for _, le := range logEntries {
		if le.IsMeta() {
			continue
		}
		payload, err := codec.Decode(le.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry %d", le.Index())
		}
		out = append(out, Entry[E]{Index: le.Index(), Payload: payload})
	}
	return out, nil
}
