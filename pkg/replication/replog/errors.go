package replog

import "errors"

var (
	ErrStaleTerm                = errors.New("stale term")
	ErrInvalidTermSpecification = errors.New("term already assigned to another leader")
	ErrNotLeader                = errors.New("participant is not a leader")
	ErrNotFollower              = errors.New("participant is not a follower")
	ErrNotConfigured            = errors.New("replicated log not configured")
	ErrParticipantResigned      = errors.New("participant resigned")
	ErrLogClosed                = errors.New("replicated log closed")
	ErrSnapshotStateChanged     = errors.New("snapshot state changed")
)
