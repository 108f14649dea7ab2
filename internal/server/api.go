package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shardlog/shardlog/internal/maintenance"
	"github.com/shardlog/shardlog/pkg/replication/replog"
	"github.com/shardlog/shardlog/pkg/replication/types"
	"github.com/shardlog/shardlog/pkg/rhttp"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/shard"
	"github.com/shardlog/shardlog/version"
	"go.uber.org/zap"
)

const forwardedHeader = "X-Shardlog-Forwarded"

var (
	ErrUnknownDatabase = errors.New("unknown database")
	ErrLeaderNotReady  = errors.New("leader not ready")
)

type DatabaseAPI struct {
	s *Server
	rlog.Log
}

func NewDatabaseAPI(s *Server) *DatabaseAPI {
	return &DatabaseAPI{
		s:   s,
		Log: rlog.NewRLog("DatabaseAPI"),
	}
}

// Route route
func (a *DatabaseAPI) Route(r *rhttp.RHttp) {
	r.GET("/health", func(c *rhttp.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", a.status)                          // 节点和所有数据库的状态
	r.GET("/maintenance/report", a.report)              // 最近一次对齐的结果
	r.GET("/databases/:db/status", a.databaseStatus)    // 单个数据库的状态
	r.PUT("/databases/:db/config", a.updateConfig)      // 指定任期、领导和参与者
	r.GET("/databases/:db/shards", a.listShards)        // 本地分片列表，跟随者获取快照时使用
	r.POST("/databases/:db/shards", a.ensureShard)      // 创建分片
	r.PUT("/databases/:db/shards/:shard", a.modifyShard) // 修改分片属性
	r.DELETE("/databases/:db/shards/:shard", a.dropShard)
	r.DELETE("/databases/:db/shards", a.dropAllShards)
	r.Handle(http.MethodGet, "/metrics", promhttp.Handler())
}

func (a *DatabaseAPI) database(c *rhttp.Context) (*database, bool) {
	name := c.Param("db")
	db, ok := a.s.database(name)
	if !ok {
		c.ResponseErrorWithStatus(http.StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownDatabase, name))
		return nil, false
	}
	return db, true
}

// NodeStatus 节点状态
type NodeStatus struct {
	NodeID    string            `json:"node_id"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Databases []*DatabaseStatus `json:"databases"`
}

type DatabaseStatus struct {
	Database  string                  `json:"database"`
	Log       types.QuickStatus       `json:"log"`
	State     any                     `json:"state,omitempty"`
	Shards    int                     `json:"shards"`
	Followers []replog.FollowerStatus `json:"followers,omitempty"`
}

func (a *DatabaseAPI) statusOf(db *database) *DatabaseStatus {
	st := &DatabaseStatus{
		Database: db.name,
		Log:      db.log.GetQuickStatus(),
	}
	if state, ok := db.state.GetStatus(); ok {
		st.State = state
	}
	if shards, err := a.s.vocbase.Shards(db.name); err == nil {
		st.Shards = len(shards)
	}
	if leader, err := db.log.GetLeader(); err == nil {
		st.Followers = leader.FollowerStatuses()
	}
	return st
}

func (a *DatabaseAPI) status(c *rhttp.Context) {
	out := &NodeStatus{
		NodeID:  a.s.opts.NodeID,
		Version: version.Version,
		Uptime:  time.Since(a.s.start).Truncate(time.Second).String(),
	}
	for _, name := range a.s.databaseNames() {
		if db, ok := a.s.database(name); ok {
			out.Databases = append(out.Databases, a.statusOf(db))
		}
	}
	c.JSON(http.StatusOK, out)
}

func (a *DatabaseAPI) databaseStatus(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.statusOf(db))
}

func (a *DatabaseAPI) report(c *rhttp.Context) {
	r := a.s.lastReport()
	if r == nil {
		c.ResponseErrorWithStatus(http.StatusNotFound, errors.New("no report yet"))
		return
	}
	c.ResponseOKWithData(r)
}

type participantReq struct {
	Forced   bool `json:"forced"`
	Excluded bool `json:"excluded"`
}

type configReq struct {
	Term         uint64                    `json:"term"`
	Leader       string                    `json:"leader"`
	Generation   uint64                    `json:"generation"`
	Participants map[string]participantReq `json:"participants"`
	WriteConcern int                       `json:"write_concern"`
	WaitForSync  bool                      `json:"wait_for_sync"`
}

func (r configReq) check(self string) error {
	if r.Term == 0 {
		return errors.New("term不能为0")
	}
	if strings.TrimSpace(r.Leader) == "" {
		return errors.New("leader不能为空")
	}
	if _, ok := r.Participants[r.Leader]; !ok {
		return errors.New("leader必须是参与者")
	}
	if _, ok := r.Participants[self]; !ok {
		return fmt.Errorf("本节点[%s]不是参与者", self)
	}
	if r.WriteConcern < 0 || r.WriteConcern > len(r.Participants) {
		return errors.New("write_concern超出参与者数量")
	}
	return nil
}

func (r configReq) toConfig() (types.TermSpecification, *types.ParticipantsConfig) {
	cfg := types.NewParticipantsConfig(r.Generation, types.LogConfig{
		WriteConcern: r.WriteConcern,
		WaitForSync:  r.WaitForSync,
	})
	for id, p := range r.Participants {
		cfg.Participants[types.ParticipantID(id)] = types.ParticipantFlags{Forced: p.Forced, Excluded: p.Excluded}
	}
	return types.TermSpecification{Term: types.LogTerm(r.Term), Leader: types.ParticipantID(r.Leader)}, cfg
}

func (a *DatabaseAPI) updateConfig(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	var req configReq
	if err := c.BindJSON(&req); err != nil {
		a.Error("数据格式有误！", zap.Error(err))
		c.ResponseError(errors.New("数据格式有误！"))
		return
	}
	if err := req.check(a.s.opts.NodeID); err != nil {
		c.ResponseError(err)
		return
	}
	spec, cfg := req.toConfig()
	err := db.log.UpdateConfig(spec, cfg, types.ParticipantID(a.s.opts.NodeID))
	if err != nil {
		if errors.Is(err, replog.ErrStaleTerm) || errors.Is(err, replog.ErrInvalidTermSpecification) {
			c.ResponseErrorWithStatus(http.StatusConflict, err)
			return
		}
		a.Error("update config failed", databaseField(db.name), zap.Error(err))
		c.ResponseErrorWithStatus(http.StatusInternalServerError, err)
		return
	}
	a.Info("config updated", databaseField(db.name), zap.Uint64("term", req.Term), zap.String("leader", req.Leader), zap.Int("participants", len(req.Participants)))
	c.ResponseOK()
}

func (a *DatabaseAPI) listShards(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	if c.Query("leader_only") == "1" {
		if _, ok := db.state.GetLeader(); !ok {
			c.ResponseErrorWithStatus(http.StatusServiceUnavailable, ErrLeaderNotReady)
			return
		}
	}
	cols, err := a.s.vocbase.List(db.name)
	if err != nil {
		c.ResponseErrorWithStatus(http.StatusInternalServerError, err)
		return
	}
	infos := make([]shard.ShardInfo, 0, len(cols))
	for _, col := range cols {
		infos = append(infos, col.Info())
	}
	c.ResponseOKWithData(infos)
}

// leaderOrForward 本节点是就绪的领导时返回领导，否则转发给领导或返回503
func (a *DatabaseAPI) leaderOrForward(c *rhttp.Context, db *database) (*shard.ShardLeader, bool) {
	if leader, ok := db.state.GetLeader(); ok {
		return leader, true
	}
	leaderID := db.leaderID()
	if leaderID == "" || string(leaderID) == a.s.opts.NodeID || c.GetHeader(forwardedHeader) != "" {
		c.ResponseErrorWithStatus(http.StatusServiceUnavailable, ErrLeaderNotReady)
		return nil, false
	}
	addr, ok := a.s.opts.PeerAddr(string(leaderID))
	if !ok {
		c.ResponseErrorWithStatus(http.StatusServiceUnavailable, fmt.Errorf("unknown leader %s", leaderID))
		return nil, false
	}
	a.Debug("forward to leader", databaseField(db.name), zap.String("leader", string(leaderID)), zap.String("path", c.Request.URL.Path))
	c.Request.Header.Set(forwardedHeader, a.s.opts.NodeID)
	c.Forward(addr + c.Request.URL.Path)
	return nil, false
}

func (a *DatabaseAPI) respondDDL(c *rhttp.Context, err error) {
	if err == nil {
		c.ResponseOK()
		return
	}
	switch {
	case errors.Is(err, shard.ErrShardNotFound):
		c.ResponseErrorWithStatus(http.StatusNotFound, err)
	case errors.Is(err, shard.ErrInvalidShardID), errors.Is(err, shard.ErrUnsupportedType):
		c.ResponseError(err)
	case errors.Is(err, shard.ErrStateResigned), errors.Is(err, replog.ErrParticipantResigned):
		c.ResponseErrorWithStatus(http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		c.ResponseErrorWithStatus(http.StatusGatewayTimeout, err)
	default:
		c.ResponseErrorWithStatus(http.StatusInternalServerError, err)
	}
}

func (a *DatabaseAPI) ddlContext(c *rhttp.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), a.s.opts.State.ApplyTimeout)
}

type ensureShardReq struct {
	Shard      shard.ShardID        `json:"shard"`
	Type       shard.CollectionType `json:"type"`
	Properties shard.Properties     `json:"properties"`
}

func (a *DatabaseAPI) ensureShard(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	leader, ok := a.leaderOrForward(c, db)
	if !ok {
		return
	}
	var req ensureShardReq
	if err := c.BindJSON(&req); err != nil {
		a.Error("数据格式有误！", zap.Error(err))
		c.ResponseError(errors.New("数据格式有误！"))
		return
	}
	if err := maintenance.ValidateShardID(req.Shard); err != nil {
		c.ResponseError(err)
		return
	}
	if err := maintenance.ValidateType(req.Type); err != nil {
		c.ResponseError(err)
		return
	}
	ctx, cancel := a.ddlContext(c)
	defer cancel()
	a.respondDDL(c, leader.EnsureShard(ctx, req.Shard, req.Type, req.Properties))
}

type modifyShardReq struct {
	Collection shard.CollectionID `json:"collection"`
	Properties shard.Properties   `json:"properties"`
}

func (a *DatabaseAPI) modifyShard(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	leader, ok := a.leaderOrForward(c, db)
	if !ok {
		return
	}
	var req modifyShardReq
	if err := c.BindJSON(&req); err != nil {
		a.Error("数据格式有误！", zap.Error(err))
		c.ResponseError(errors.New("数据格式有误！"))
		return
	}
	ctx, cancel := a.ddlContext(c)
	defer cancel()
	a.respondDDL(c, leader.ModifyShard(ctx, shard.ShardID(c.Param("shard")), req.Collection, req.Properties))
}

func (a *DatabaseAPI) dropShard(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	leader, ok := a.leaderOrForward(c, db)
	if !ok {
		return
	}
	ctx, cancel := a.ddlContext(c)
	defer cancel()
	a.respondDDL(c, leader.DropShard(ctx, shard.ShardID(c.Param("shard"))))
}

func (a *DatabaseAPI) dropAllShards(c *rhttp.Context) {
	db, ok := a.database(c)
	if !ok {
		return
	}
	leader, ok := a.leaderOrForward(c, db)
	if !ok {
		return
	}
	ctx, cancel := a.ddlContext(c)
	defer cancel()
	a.respondDDL(c, leader.DropAllShards(ctx))
}
