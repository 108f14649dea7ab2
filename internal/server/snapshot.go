package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
	"github.com/shardlog/shardlog/internal/options"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/shard"
)

// snapshotClient 通过领导的API读取分片列表
type snapshotClient struct {
	opts *options.Options
}

func newSnapshotClient(opts *options.Options) *snapshotClient {
	return &snapshotClient{opts: opts}
}

func shardsPath(database string) string {
	return fmt.Sprintf("/databases/%s/shards", database)
}

func (c *snapshotClient) Shards(ctx context.Context, leader types.ParticipantID, database string) ([]shard.ShardInfo, error) {
	addr, ok := c.opts.PeerAddr(string(leader))
	if !ok {
		return nil, fmt.Errorf("unknown leader %s", leader)
	}
	resp, err := rest.SendWithContext(ctx, rest.Request{
		Method:      rest.Get,
		BaseURL:     addr + shardsPath(database),
		QueryParams: map[string]string{"leader_only": "1"},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "request shards from %s", leader)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request shards from %s: status %d: %s", leader, resp.StatusCode, resp.Body)
	}
	var out struct {
		Data []shard.ShardInfo `json:"data"`
	}
	if err = json.Unmarshal([]byte(resp.Body), &out); err != nil {
		return nil, errors.Wrap(err, "decode shards")
	}
	return out.Data, nil
}
