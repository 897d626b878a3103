package risk

import "errors"

var (
	ErrInvalidLimits = errors.New("invalid risk limits")
	ErrNetExceed     = errors.New("net exposure exceed")
)
