package options

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

var G *Options

type Mode string

const (
	//debug 模式
	DebugMode Mode = "debug"
	// 正式模式
	ReleaseMode Mode = "release"
	// 测试模式
	TestMode Mode = "test"
)

// Peer 集群中的一个节点
type Peer struct {
	ID   string // 参与者ID
	Addr string // API地址 例如：http://127.0.0.1:5001
}

type Options struct {
	vp       *viper.Viper // 内部配置对象
	Mode     Mode         // 模式 debug 测试 release 正式
	NodeID   string       // 本节点的参与者ID
	HTTPAddr string       // http api的监听地址 默认为 0.0.0.0:5001
	RootDir  string       // 根目录
	DataDir  string       // 数据目录
	GinMode  string       // gin框架的模式

	Logger struct {
		Dir     string // 日志存储目录
		Level   zapcore.Level
		LineNum bool // 是否显示代码行数
	}

	Peers     []*Peer  // 集群节点，格式为： id@addr
	Databases []string // 本节点托管的数据库，每个数据库一个复制日志

	Scheduler struct {
		PoolSize  int           // 协程池大小
		Tick      time.Duration // 时间轮tick
		WheelSize int64
	}

	Replication struct {
		MaxEntriesPerBatch int           // 每次AppendEntries最多携带的日志条数
		RetryDelay         time.Duration // 首次重试延迟
		MaxRetryDelay      time.Duration
		RequestTimeout     time.Duration // AppendEntries请求超时
		HeartbeatInterval  time.Duration // 空闲跟随者的心跳间隔
		EntryCacheSize     int           // 每个日志的解码缓存条数
	}

	State struct {
		RetryDelay      time.Duration // 恢复失败后的重试间隔
		RecoveryTimeout time.Duration
		ApplyTimeout    time.Duration
	}

	Sync struct {
		Interval time.Duration // 脏状态对齐的最小间隔
	}
}

func New(op ...Option) *Options {
	homeDir, err := GetHomeDir()
	if err != nil {
		panic(err)
	}
	opts := &Options{
		Mode:     DebugMode,
		NodeID:   "node1",
		HTTPAddr: "0.0.0.0:5001",
		RootDir:  filepath.Join(homeDir, "shardlog"),
		GinMode:  "release",
		Logger: struct {
			Dir     string
			Level   zapcore.Level
			LineNum bool
		}{
			Dir:     "",
			Level:   zapcore.InfoLevel,
			LineNum: false,
		},
		Databases: []string{"_system"},
	}
	opts.Scheduler.PoolSize = 256
	opts.Scheduler.Tick = 10 * time.Millisecond
	opts.Scheduler.WheelSize = 512
	opts.Replication.MaxEntriesPerBatch = 1000
	opts.Replication.RetryDelay = 100 * time.Millisecond
	opts.Replication.MaxRetryDelay = 5 * time.Second
	opts.Replication.RequestTimeout = 5 * time.Second
	opts.Replication.HeartbeatInterval = time.Second
	opts.Replication.EntryCacheSize = 1024
	opts.State.RetryDelay = 500 * time.Millisecond
	opts.State.RecoveryTimeout = time.Minute
	opts.State.ApplyTimeout = 30 * time.Second
	opts.Sync.Interval = time.Second

	for _, o := range op {
		o(opts)
	}
	return opts
}

func GetHomeDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir, nil
	}
	u, err := user.Current()
	if err == nil {
		return u.HomeDir, nil
	}

	return "", errors.New("User home directory not found.")
}

func (o *Options) ConfigureWithViper(vp *viper.Viper) {
	o.vp = vp

	o.RootDir = o.getString("rootDir", o.RootDir)

	modeStr := o.getString("mode", string(o.Mode))
	if strings.TrimSpace(modeStr) == "" {
		o.Mode = DebugMode
	} else {
		o.Mode = Mode(modeStr)
	}
	o.GinMode = o.getString("ginMode", o.GinMode)

	o.NodeID = o.getString("nodeId", o.NodeID)
	o.HTTPAddr = o.getString("httpAddr", o.HTTPAddr)

	o.DataDir = o.getString("dataDir", o.DataDir)
	if strings.TrimSpace(o.DataDir) == "" {
		o.DataDir = filepath.Join(o.RootDir, "data")
	}

	o.configureLog(vp)

	peers := o.getStringSlice("peers") // 格式为： id@addr 例如 node1@http://127.0.0.1:5001
	if len(peers) > 0 {
		o.Peers = o.Peers[:0]
		for _, peerStr := range peers {
			peer, err := ParsePeer(peerStr)
			if err != nil {
				continue
			}
			o.Peers = append(o.Peers, peer)
		}
	}
	if dbs := o.getStringSlice("databases"); len(dbs) > 0 {
		o.Databases = dbs
	}

	o.Scheduler.PoolSize = o.getInt("scheduler.poolSize", o.Scheduler.PoolSize)
	o.Scheduler.Tick = o.getDuration("scheduler.tick", o.Scheduler.Tick)
	o.Scheduler.WheelSize = o.getInt64("scheduler.wheelSize", o.Scheduler.WheelSize)

	o.Replication.MaxEntriesPerBatch = o.getInt("replication.maxEntriesPerBatch", o.Replication.MaxEntriesPerBatch)
	o.Replication.RetryDelay = o.getDuration("replication.retryDelay", o.Replication.RetryDelay)
	o.Replication.MaxRetryDelay = o.getDuration("replication.maxRetryDelay", o.Replication.MaxRetryDelay)
	o.Replication.RequestTimeout = o.getDuration("replication.requestTimeout", o.Replication.RequestTimeout)
	o.Replication.HeartbeatInterval = o.getDuration("replication.heartbeatInterval", o.Replication.HeartbeatInterval)
	o.Replication.EntryCacheSize = o.getInt("replication.entryCacheSize", o.Replication.EntryCacheSize)

	o.State.RetryDelay = o.getDuration("state.retryDelay", o.State.RetryDelay)
	o.State.RecoveryTimeout = o.getDuration("state.recoveryTimeout", o.State.RecoveryTimeout)
	o.State.ApplyTimeout = o.getDuration("state.applyTimeout", o.State.ApplyTimeout)

	o.Sync.Interval = o.getDuration("sync.interval", o.Sync.Interval)
}

func (o *Options) configureLog(vp *viper.Viper) {
	logLevel := vp.GetInt("logger.level")
	// level
	if logLevel == 0 { // 没有设置
		if o.Mode == DebugMode {
			logLevel = int(zapcore.DebugLevel)
		} else {
			logLevel = int(zapcore.InfoLevel)
		}
	} else {
		logLevel = logLevel - 2
	}
	o.Logger.Level = zapcore.Level(logLevel)
	o.Logger.Dir = vp.GetString("logger.dir")
	if strings.TrimSpace(o.Logger.Dir) == "" {
		o.Logger.Dir = "logs"
	}
	if !strings.HasPrefix(strings.TrimSpace(o.Logger.Dir), "/") {
		o.Logger.Dir = filepath.Join(o.RootDir, o.Logger.Dir)
	}
	o.Logger.LineNum = o.getBool("logger.lineNum", o.Logger.LineNum)
}

// ParsePeer 解析 id@addr，addr没有协议时补上http://
func ParsePeer(s string) (*Peer, error) {
	s = strings.TrimSpace(s)
	id, addr, ok := strings.Cut(s, "@")
	if !ok || id == "" || addr == "" {
		return nil, fmt.Errorf("invalid peer %q, want id@addr", s)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Peer{ID: id, Addr: strings.TrimRight(addr, "/")}, nil
}

// PeerAddr 节点的API地址
func (o *Options) PeerAddr(id string) (string, bool) {
	for _, p := range o.Peers {
		if p.ID == id {
			return p.Addr, true
		}
	}
	return "", false
}

// PeerIDs 按ID排序的所有节点（包含本节点）
func (o *Options) PeerIDs() []string {
	ids := make([]string, 0, len(o.Peers)+1)
	self := false
	for _, p := range o.Peers {
		if p.ID == o.NodeID {
			self = true
		}
		ids = append(ids, p.ID)
	}
	if !self {
		ids = append(ids, o.NodeID)
	}
	sort.Strings(ids)
	return ids
}

// 是否是单机模式
func (o *Options) IsSingleNode() bool {
	return len(o.PeerIDs()) <= 1
}

func (o *Options) ConfigFileUsed() string {
	if o.vp == nil {
		return ""
	}
	return o.vp.ConfigFileUsed()
}

func (o *Options) getString(key string, defaultValue string) string {
	v := o.vp.GetString(key)
	if v == "" {
		return defaultValue
	}
	return v
}

func (o *Options) getStringSlice(key string) []string {
	return o.vp.GetStringSlice(key)
}

func (o *Options) getInt(key string, defaultValue int) int {
	v := o.vp.GetInt(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getBool(key string, defaultValue bool) bool {
	objV := o.vp.Get(key)
	if objV == nil {
		return defaultValue
	}
	return cast.ToBool(objV)
}

func (o *Options) getInt64(key string, defaultValue int64) int64 {
	v := o.vp.GetInt64(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

func (o *Options) getDuration(key string, defaultValue time.Duration) time.Duration {
	v := o.vp.GetDuration(key)
	if v == 0 {
		return defaultValue
	}
	return v
}

type Option func(opts *Options)

func WithMode(mode Mode) Option {
	return func(opts *Options) {
		opts.Mode = mode
	}
}

func WithNodeID(id string) Option {
	return func(opts *Options) {
		opts.NodeID = id
	}
}

func WithHTTPAddr(addr string) Option {
	return func(opts *Options) {
		opts.HTTPAddr = addr
	}
}

func WithDataDir(dataDir string) Option {
	return func(opts *Options) {
		opts.DataDir = dataDir
	}
}

func WithPeers(peers ...*Peer) Option {
	return func(opts *Options) {
		opts.Peers = peers
	}
}

func WithDatabases(dbs ...string) Option {
	return func(opts *Options) {
		opts.Databases = dbs
	}
}

func WithLoggerLevel(level zapcore.Level) Option {
	return func(opts *Options) {
		opts.Logger.Level = level
	}
}

func WithLoggerLineNum(lineNum bool) Option {
	return func(opts *Options) {
		opts.Logger.LineNum = lineNum
	}
}
