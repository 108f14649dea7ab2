package types

import "fmt"

type AppendEntriesErrorCode uint16

const (
	ErrorCodeNone AppendEntriesErrorCode = iota
	// ErrorCodeLostTerm 请求的任期比本地旧
	ErrorCodeLostTerm
	// ErrorCodeMessageOutdated 消息编号不比已接受的新
	ErrorCodeMessageOutdated
	// ErrorCodeInvalidLeaderID 同一任期内领导不一致
	ErrorCodeInvalidLeaderID
	// ErrorCodeNoPrevLogMatch prevLogEntry 与本地日志不匹配
	ErrorCodeNoPrevLogMatch
	ErrorCodePersistenceFailure
	ErrorCodeCommunicationError
	ErrorCodeParticipantResigned
)

func (c AppendEntriesErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "None"
	case ErrorCodeLostTerm:
		return "LostTerm"
	case ErrorCodeMessageOutdated:
		return "MessageOutdated"
	case ErrorCodeInvalidLeaderID:
		return "InvalidLeaderID"
	case ErrorCodeNoPrevLogMatch:
		return "NoPrevLogMatch"
	case ErrorCodePersistenceFailure:
		return "PersistenceFailure"
	case ErrorCodeCommunicationError:
		return "CommunicationError"
	case ErrorCodeParticipantResigned:
		return "ParticipantResigned"
	default:
		return fmt.Sprintf("ErrorCode[%d]", c)
	}
}

type MessageID uint64

type AppendEntriesRequest struct {
	Term              LogTerm
	LeaderID          ParticipantID
	PrevLogEntry      TermIndexPair
	LeaderCommit      LogIndex
	LowestIndexToKeep LogIndex
	MessageID         MessageID
	WaitForSync       bool
	Entries           []LogEntry
}

func (r *AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntries{term:%d leader:%s prev:%s commit:%d keep:%d msg:%d entries:%d}",
		r.Term, r.LeaderID, r.PrevLogEntry, r.LeaderCommit, r.LowestIndexToKeep, r.MessageID, len(r.Entries))
}

type AppendEntriesResponse struct {
	Term              LogTerm
	ErrorCode         AppendEntriesErrorCode
	Reason            string
	MessageID         MessageID
	SnapshotAvailable bool
	// ConflictIndex 不匹配时建议领导从该下标之前重试，0表示无建议
	ConflictIndex LogIndex
}

func (r *AppendEntriesResponse) IsSuccess() bool {
	return r.ErrorCode == ErrorCodeNone
}

func NewSuccessResponse(term LogTerm, id MessageID, snapshotAvailable bool) *AppendEntriesResponse {
	return &AppendEntriesResponse{Term: term, MessageID: id, SnapshotAvailable: snapshotAvailable}
}

func NewErrorResponse(term LogTerm, id MessageID, code AppendEntriesErrorCode, reason string) *AppendEntriesResponse {
	return &AppendEntriesResponse{Term: term, MessageID: id, ErrorCode: code, Reason: reason}
}
