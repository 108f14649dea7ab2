package rpc

import (
	"fmt"
	"io"
	"net/http"

	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rhttp"
	"github.com/shardlog/shardlog/pkg/rlog"
	"go.uber.org/zap"
)

// LogResolver 按日志ID找到接收AppendEntries的一端
type LogResolver interface {
	AppendEntriesHandler(logID string) (replog.AppendEntriesHandler, bool)
}

// Handler AppendEntries的HTTP入口
type Handler struct {
	logs LogResolver
	rlog.Log
}

func NewHandler(logs LogResolver) *Handler {
	return &Handler{logs: logs, Log: rlog.NewRLog("rpc.Handler")}
}

func (h *Handler) Route(r *rhttp.RHttp) {
	r.POST(AppendEntriesPath(":log"), h.appendEntries)
}

func (h *Handler) appendEntries(c *rhttp.Context) {
	logID := c.Param("log")
	target, ok := h.logs.AppendEntriesHandler(logID)
	if !ok {
		c.ResponseErrorWithStatus(http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownLog, logID))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.ResponseError(err)
		return
	}
	req := &types.AppendEntriesRequest{}
	if err = req.Unmarshal(body); err != nil {
		h.Warn("bad append entries request", zap.String("log", logID), zap.Error(err))
		c.ResponseError(err)
		return
	}
	resp, err := target.AppendEntries(req).Wait(c.Request.Context())
	if err != nil {
		// 本节点不是跟随者，对领导而言等同通信失败
		c.ResponseErrorWithStatus(http.StatusServiceUnavailable, err)
		return
	}
	data, err := resp.Marshal()
	if err != nil {
		c.ResponseErrorWithStatus(http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}
