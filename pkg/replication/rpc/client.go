package rpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"
	"github.com/shardlog/shardlog/pkg/future"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"go.uber.org/zap"
)

const contentType = "application/octet-stream"

// AppendEntriesPath 日志的AppendEntries地址
func AppendEntriesPath(logID string) string {
	return fmt.Sprintf("/replication/%s/append-entries", logID)
}

// PeerResolver 参与者到API地址的映射
type PeerResolver interface {
	PeerAddr(id types.ParticipantID) (string, bool)
}

// StaticPeers 固定的参与者地址表
type StaticPeers map[types.ParticipantID]string

func (p StaticPeers) PeerAddr(id types.ParticipantID) (string, bool) {
	addr, ok := p[id]
	return addr, ok
}

// Client 通过HTTP发送AppendEntries，一个日志一个Client
type Client struct {
	logID string
	peers PeerResolver
	sched scheduler.Scheduler
	rlog.Log
}

func NewClient(logID string, peers PeerResolver, sched scheduler.Scheduler) *Client {
	return &Client{
		logID: logID,
		peers: peers,
		sched: sched,
		Log:   rlog.NewRLog(fmt.Sprintf("rpc.Client[%s]", logID)),
	}
}

func (c *Client) AppendEntries(ctx context.Context, to types.ParticipantID, req *types.AppendEntriesRequest) *future.Future[*types.AppendEntriesResponse] {
	addr, ok := c.peers.PeerAddr(to)
	if !ok {
		return future.Failed[*types.AppendEntriesResponse](fmt.Errorf("%w: %s", ErrUnknownPeer, to))
	}
	body, err := req.Marshal()
	if err != nil {
		return future.Failed[*types.AppendEntriesResponse](errors.Wrap(err, "marshal request"))
	}
	result := future.New[*types.AppendEntriesResponse]()
	c.sched.Queue(func() {
		resp, err := c.send(ctx, addr, body)
		if err != nil {
			c.Debug("append entries request failed", zap.String("to", string(to)), zap.String("addr", addr), zap.Error(err))
			result.Reject(err)
			return
		}
		result.Resolve(resp)
	})
	return result
}

func (c *Client) send(ctx context.Context, addr string, body []byte) (*types.AppendEntriesResponse, error) {
	resp, err := rest.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: addr + AppendEntriesPath(c.logID),
		Headers: map[string]string{"Content-Type": contentType},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, resp.Body)
	}
	out := &types.AppendEntriesResponse{}
	if err = out.Unmarshal([]byte(resp.Body)); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return out, nil
}
