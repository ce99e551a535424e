package source

import "errors"

var (
	ErrClosed             = errors.New("source closed")
	ErrSubscriptionFailed = errors.New("subscription rejected by node")
	ErrMalformedChange    = errors.New("malformed change")
)
