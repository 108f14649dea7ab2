package rstate

import "errors"

var (
	ErrNotConnected     = errors.New("state is not connected to a log")
	ErrAlreadyConnected = errors.New("state is already connected to a log")
)
