package rpc

import "errors"

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrUnknownLog  = errors.New("unknown log")
	ErrRemote      = errors.New("remote error")
)
