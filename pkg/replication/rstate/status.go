package rstate

import (
	"fmt"

	"github.com/shardlog/shardlog/pkg/replication/types"
)

// ManagerState 状态管理器所处的阶段
type ManagerState uint8

const (
	ManagerStateIdle ManagerState = iota
	// ManagerStateWaitForLeadership 等待领导的第一条日志提交
	ManagerStateWaitForLeadership
	// ManagerStateWaitForTerm 等待第一次成功的追加
	ManagerStateWaitForTerm
	ManagerStateAcquiringSnapshot
	ManagerStateRecovery
	ManagerStateServiceAvailable
)

func (s ManagerState) String() string {
	switch s {
	case ManagerStateIdle:
		return "Idle"
	case ManagerStateWaitForLeadership:
		return "WaitForLeadership"
	case ManagerStateWaitForTerm:
		return "WaitForTerm"
	case ManagerStateAcquiringSnapshot:
		return "AcquiringSnapshot"
	case ManagerStateRecovery:
		return "Recovery"
	case ManagerStateServiceAvailable:
		return "ServiceAvailable"
	}
	return fmt.Sprintf("ManagerState[%d]", s)
}

func (s ManagerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateStatus 领导或跟随者的状态，不包含应用对象本身
type StateStatus interface {
	Role() types.ParticipantRole
}

type LeaderStatus struct {
	Term         types.LogTerm  `json:"term"`
	ManagerState ManagerState   `json:"manager_state"`
	CommitIndex  types.LogIndex `json:"commit_index"`
}

func (s *LeaderStatus) Role() types.ParticipantRole {
	return types.RoleLeader
}

type FollowerStatus struct {
	Term         types.LogTerm       `json:"term"`
	Leader       types.ParticipantID `json:"leader"`
	ManagerState ManagerState        `json:"manager_state"`
	AppliedIndex types.LogIndex      `json:"applied_index"`
}

func (s *FollowerStatus) Role() types.ParticipantRole {
	return types.RoleFollower
}
