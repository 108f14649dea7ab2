package types

import "errors"

var (
	ErrUnsupportedVersion = errors.New("unsupported encoding version")
	ErrInvalidEntry       = errors.New("invalid log entry")
)
