package types

import (
	"fmt"
	"sort"
)

// LogTerm 领导任期
type LogTerm uint64

// LogIndex 日志下标，第一条日志的下标为1，0表示第一条日志之前的位置
type LogIndex uint64

type ParticipantID string

// TermIndexPair 日志的逻辑时钟，先比较任期再比较下标
type TermIndexPair struct {
	Term  LogTerm
	Index LogIndex
}

func NewTermIndexPair(term LogTerm, index LogIndex) TermIndexPair {
	return TermIndexPair{Term: term, Index: index}
}

func (p TermIndexPair) Compare(o TermIndexPair) int {
	switch {
	case p.Term < o.Term:
		return -1
	case p.Term > o.Term:
		return 1
	case p.Index < o.Index:
		return -1
	case p.Index > o.Index:
		return 1
	}
	return 0
}

func (p TermIndexPair) Less(o TermIndexPair) bool {
	return p.Compare(o) < 0
}

func (p TermIndexPair) IsZero() bool {
	return p.Term == 0 && p.Index == 0
}

func (p TermIndexPair) String() string {
	return fmt.Sprintf("(%d:%d)", p.Term, p.Index)
}

// TermSpecification 外部指定的任期与领导
type TermSpecification struct {
	Term   LogTerm
	Leader ParticipantID
}

type ParticipantFlags struct {
	Forced   bool // 必须参与每一次提交
	Excluded bool // 不参与法定人数计算
}

type LogConfig struct {
	// WriteConcern 提交所需的确认数，0表示多数派
	WriteConcern int
	// WaitForSync 每条日志都要求落盘后才确认
	WaitForSync bool
}

// ParticipantsConfig 参与者配置，构造后不可修改，变更时生成新值
type ParticipantsConfig struct {
	Generation   uint64
	Participants map[ParticipantID]ParticipantFlags
	Config       LogConfig
}

func NewParticipantsConfig(generation uint64, cfg LogConfig, ids ...ParticipantID) *ParticipantsConfig {
	p := &ParticipantsConfig{
		Generation:   generation,
		Participants: make(map[ParticipantID]ParticipantFlags, len(ids)),
		Config:       cfg,
	}
	for _, id := range ids {
		p.Participants[id] = ParticipantFlags{}
	}
	return p
}

func (p *ParticipantsConfig) Clone() *ParticipantsConfig {
	c := &ParticipantsConfig{
		Generation:   p.Generation,
		Participants: make(map[ParticipantID]ParticipantFlags, len(p.Participants)),
		Config:       p.Config,
	}
	for id, flags := range p.Participants {
		c.Participants[id] = flags
	}
	return c
}

// WithParticipant 返回新增（或修改）了参与者的新配置，代数加一
func (p *ParticipantsConfig) WithParticipant(id ParticipantID, flags ParticipantFlags) *ParticipantsConfig {
	c := p.Clone()
	c.Participants[id] = flags
	c.Generation++
	return c
}

// WithoutParticipant 返回移除了参与者的新配置，代数加一
func (p *ParticipantsConfig) WithoutParticipant(id ParticipantID) *ParticipantsConfig {
	c := p.Clone()
	delete(c.Participants, id)
	c.Generation++
	return c
}

func (p *ParticipantsConfig) Contains(id ParticipantID) bool {
	_, ok := p.Participants[id]
	return ok
}

// IDs 排序后的参与者列表
func (p *ParticipantsConfig) IDs() []ParticipantID {
	ids := make([]ParticipantID, 0, len(p.Participants))
	for id := range p.Participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Voters 参与法定人数计算的参与者
func (p *ParticipantsConfig) Voters() []ParticipantID {
	ids := p.IDs()
	voters := ids[:0]
	for _, id := range ids {
		if !p.Participants[id].Excluded {
			voters = append(voters, id)
		}
	}
	return voters
}

// QuorumSize 提交所需的确认数
func (p *ParticipantsConfig) QuorumSize() int {
	if p.Config.WriteConcern > 0 {
		return p.Config.WriteConcern
	}
	return len(p.Voters())/2 + 1
}

func (p *ParticipantsConfig) Equal(o *ParticipantsConfig) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Generation != o.Generation || p.Config != o.Config || len(p.Participants) != len(o.Participants) {
		return false
	}
	for id, flags := range p.Participants {
		if of, ok := o.Participants[id]; !ok || of != flags {
			return false
		}
	}
	return true
}

type MetaType uint8

const (
	MetaUnknown MetaType = iota
	// MetaFirstEntryOfTerm 新任期的第一条日志
	MetaFirstEntryOfTerm
	// MetaUpdateParticipantsConfig 任期内的参与者配置变更
	MetaUpdateParticipantsConfig
)

func (m MetaType) String() string {
	switch m {
	case MetaFirstEntryOfTerm:
		return "FirstEntryOfTerm"
	case MetaUpdateParticipantsConfig:
		return "UpdateParticipantsConfig"
	default:
		return fmt.Sprintf("MetaUnknown[%d]", m)
	}
}

type MetaPayload struct {
	Type         MetaType
	Leader       ParticipantID
	Participants *ParticipantsConfig
}

// LogEntry 日志条目，Meta 与 Payload 只有一个有值
type LogEntry struct {
	TermIndex   TermIndexPair
	Meta        *MetaPayload
	Payload     []byte
	WaitForSync bool
}

func NewMetaEntry(ti TermIndexPair, meta *MetaPayload) LogEntry {
	return LogEntry{TermIndex: ti, Meta: meta, WaitForSync: true}
}

func NewPayloadEntry(ti TermIndexPair, payload []byte, waitForSync bool) LogEntry {
	return LogEntry{TermIndex: ti, Payload: payload, WaitForSync: waitForSync}
}

func (e LogEntry) IsMeta() bool {
	return e.Meta != nil
}

func (e LogEntry) Term() LogTerm {
	return e.TermIndex.Term
}

func (e LogEntry) Index() LogIndex {
	return e.TermIndex.Index
}

func (e LogEntry) String() string {
	if e.Meta != nil {
		return fmt.Sprintf("entry%s meta=%s leader=%s", e.TermIndex, e.Meta.Type, e.Meta.Leader)
	}
	return fmt.Sprintf("entry%s payload=%d bytes", e.TermIndex, len(e.Payload))
}

// PersistedStateInfo 状态机的持久化元数据，标记本地状态是否可用
type PersistedStateInfo struct {
	StateID       string
	Snapshot      SnapshotInfo
	Generation    uint64
	Specification TermSpecification
}

type SnapshotInfo struct {
	Status    SnapshotStatus
	Timestamp int64 // unix毫秒
	Error     string
	// Leader 快照开始时假定的领导
	Leader ParticipantID
}

type SnapshotStatus uint8

const (
	SnapshotMissing SnapshotStatus = iota
	SnapshotInProgress
	SnapshotCompleted
	SnapshotInvalidated
)

func (s SnapshotStatus) String() string {
	switch s {
	case SnapshotMissing:
		return "Missing"
	case SnapshotInProgress:
		return "InProgress"
	case SnapshotCompleted:
		return "Completed"
	case SnapshotInvalidated:
		return "Invalidated"
	default:
		return fmt.Sprintf("SnapshotStatus[%d]", s)
	}
}

type ParticipantRole uint8

const (
	RoleUnconfigured ParticipantRole = iota
	RoleLeader
	RoleFollower
)

func (r ParticipantRole) String() string {
	switch r {
	case RoleLeader:
		return "Leader"
	case RoleFollower:
		return "Follower"
	default:
		return "Unconfigured"
	}
}

type LocalState uint8

const (
	LocalStateUnconfigured LocalState = iota
	// LocalStateRecovery 角色已就位，状态机尚在回放
	LocalStateRecovery
	// LocalStateOperational 状态机可用
	LocalStateOperational
)

func (l LocalState) String() string {
	switch l {
	case LocalStateRecovery:
		return "Recovery"
	case LocalStateOperational:
		return "Operational"
	default:
		return "Unconfigured"
	}
}

// QuickStatus 日志的非阻塞状态快照
type QuickStatus struct {
	Role                  ParticipantRole `json:"role"`
	LocalState            LocalState      `json:"local_state"`
	LeadershipEstablished bool            `json:"leadership_established"`
	Term                  LogTerm         `json:"term"`
	Leader                ParticipantID   `json:"leader"`
	CommitIndex           LogIndex        `json:"commit_index"`
	SnapshotAvailable     bool            `json:"snapshot_available"`
}

func (r ParticipantRole) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ParticipantRole) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Leader":
		*r = RoleLeader
	case "Follower":
		*r = RoleFollower
	default:
		*r = RoleUnconfigured
	}
	return nil
}

func (l LocalState) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LocalState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Recovery":
		*l = LocalStateRecovery
	case "Operational":
		*l = LocalStateOperational
	default:
		*l = LocalStateUnconfigured
	}
	return nil
}
