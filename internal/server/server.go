package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/judwhite/go-svc"
	"github.com/pkg/errors"
	"github.com/shardlog/shardlog/internal/maintenance"
	"github.com/shardlog/shardlog/internal/options"
	"github.com/shardlog/shardlog/internal/vocbase"
	"github.com/shardlog/shardlog/pkg/keylock"
	"github.com/shardlog/shardlog/pkg/replication/rpc"
	"github.com/shardlog/shardlog/pkg/replication/storage"
	"github.com/shardlog/shardlog/pkg/rhttp"
	"github.com/shardlog/shardlog/pkg/rlog"
	"github.com/shardlog/shardlog/pkg/scheduler"
	"github.com/shardlog/shardlog/pkg/shard"
	"github.com/shardlog/shardlog/version"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	opts       *options.Options
	sched      *scheduler.PoolScheduler // 复制与状态机任务
	logStore   *storage.PebbleStore     // 复制日志存储
	vocbase    *vocbase.Vocbase         // 本地集合
	locks      *keylock.KeyLock         // 分片DDL锁
	tracker    *shard.VersionTracker
	syncer     *maintenance.Syncer // 脏状态对齐
	snapshots  *snapshotClient
	r          *rhttp.RHttp
	httpServer *http.Server

	dbMu      sync.RWMutex
	databases map[string]*database

	reportMu sync.RWMutex
	report   *SyncReport

	start   time.Time
	started atomic.Bool
	rlog.Log
}

func New(opts *options.Options) *Server {
	s := &Server{
		opts:      opts,
		locks:     keylock.NewKeyLock(),
		tracker:   shard.DefaultVersionTracker(),
		databases: make(map[string]*database),
		Log:       rlog.NewRLog("Server"),
	}
	var err error
	s.sched, err = scheduler.NewPoolScheduler(
		scheduler.WithPoolSize(opts.Scheduler.PoolSize),
		scheduler.WithTick(opts.Scheduler.Tick),
		scheduler.WithWheelSize(opts.Scheduler.WheelSize),
	)
	if err != nil {
		s.Panic("new scheduler failed", zap.Error(err))
	}
	s.logStore = storage.NewPebbleStore(filepath.Join(opts.DataDir, "replication"), &storage.PebbleOptions{
		EntryCacheSize: opts.Replication.EntryCacheSize,
	})
	s.vocbase, err = vocbase.New(filepath.Join(opts.DataDir, "vocbase"), s.nodeIndex())
	if err != nil {
		s.Panic("new vocbase failed", zap.Error(err))
	}
	s.snapshots = newSnapshotClient(opts)
	s.syncer = maintenance.NewSyncer(s.tracker, opts.Sync.Interval, s.syncLocalState)

	gin.SetMode(opts.GinMode)
	s.r = rhttp.NewWithLogger(rhttp.LoggerWithRLog(rlog.NewRLog("HTTP")))
	s.setRoutes()
	return s
}

// nodeIndex 本节点在集群中的序号，用作snowflake节点号
func (s *Server) nodeIndex() int64 {
	for i, id := range s.opts.PeerIDs() {
		if id == s.opts.NodeID {
			return int64(i)
		}
	}
	return 0
}

func (s *Server) setRoutes() {
	if s.opts.Mode == options.DebugMode {
		pprof.Register(s.r.GetGinRoute()) // 注册pprof
	}
	// 复制与分片接口会被转发，不做压缩
	s.r.GetGinRoute().Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{"^/replication/", "^/databases/", "^/metrics"})))
	rpc.NewHandler(s).Route(s.r)
	NewDatabaseAPI(s).Route(s.r)
}

func (s *Server) Init(env svc.Environment) error {
	if env.IsWindowsService() {
		dir := filepath.Dir(os.Args[0])
		return os.Chdir(dir)
	}
	return nil
}

func (s *Server) Start() error {
	s.start = time.Now()
	s.Info("shardlog is Starting...")
	s.Info(fmt.Sprintf("  Mode:  %s", s.opts.Mode))
	s.Info(fmt.Sprintf("  Node:  %s", s.opts.NodeID))
	s.Info(fmt.Sprintf("  Version:  %s", version.Version))
	s.Info(fmt.Sprintf("  Git:  %s", fmt.Sprintf("%s-%s", version.CommitDate, version.Commit)))
	s.Info(fmt.Sprintf("  Go build:  %s", runtime.Version()))
	s.Info(fmt.Sprintf("  DataDir:  %s", s.opts.DataDir))
	s.Info(fmt.Sprintf("  Databases:  %v", s.opts.Databases))

	if err := s.open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{Addr: s.opts.HTTPAddr, Handler: s.r}
	s.Info(fmt.Sprintf("Listening  for Http api on %s", fmt.Sprintf("http://%s", s.opts.HTTPAddr)))
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Panic("http server failed", zap.Error(err))
		}
	}()
	s.started.Store(true)
	s.Info("Server is ready")
	return nil
}

// open 打开存储并为每个数据库挂载复制日志和分片状态机
func (s *Server) open() error {
	if err := os.MkdirAll(s.opts.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	if err := s.logStore.Open(); err != nil {
		return err
	}
	if err := s.vocbase.Open(); err != nil {
		return err
	}
	s.sched.Start()

	g := errgroup.Group{}
	for _, name := range s.opts.Databases {
		name := name
		g.Go(func() error {
			db, err := s.openDatabase(name)
			if err != nil {
				return errors.Wrapf(err, "open database %s", name)
			}
			s.dbMu.Lock()
			s.databases[name] = db
			s.dbMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.locks.StartCleanLoop()
	s.syncer.Start()
	return nil
}

func (s *Server) Stop() error {
	s.started.Store(false)
	s.Info("Server is Stoping...")
	defer s.Info("Server is exited")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Warn("http server shutdown", zap.Error(err))
		}
		cancel()
	}
	s.close()
	return nil
}

func (s *Server) close() {
	s.syncer.Stop()
	s.locks.StopCleanLoop()

	s.dbMu.Lock()
	dbs := s.databases
	s.databases = make(map[string]*database)
	s.dbMu.Unlock()

	g := errgroup.Group{}
	for _, db := range dbs {
		db := db
		g.Go(func() error {
			db.close()
			return nil
		})
	}
	_ = g.Wait()

	s.sched.Stop()
	if err := s.vocbase.Close(); err != nil {
		s.Warn("close vocbase", zap.Error(err))
	}
	if err := s.logStore.Close(); err != nil {
		s.Warn("close log store", zap.Error(err))
	}
}

func (s *Server) database(name string) (*database, bool) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	db, ok := s.databases[name]
	return db, ok
}

func (s *Server) databaseNames() []string {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	names := make([]string, 0, len(s.databases))
	for _, name := range s.opts.Databases {
		if _, ok := s.databases[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
