package future

import "errors"

var ErrNotReady = errors.New("future not ready")
