package registry

import "errors"

var (
	ErrNotFound       = errors.New("subscriber not found")
	ErrInvalidVersion = errors.New("invalid version")
	ErrNoPrefixes     = errors.New("at least one prefix is required")
	ErrEmptyURL       = errors.New("url is required")
)
