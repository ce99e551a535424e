package push

import "errors"

var (
	ErrNotOK            = errors.New("subscriber did not acknowledge push")
	ErrRetriesExhausted = errors.New("push retries exhausted")
	ErrGap              = errors.New("cursor references a reclaimed height")

	errStopped = errors.New("delivery stopped")
)
