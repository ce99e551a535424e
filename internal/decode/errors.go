package decode

import "errors"

var (
	ErrUnknownKey     = errors.New("no storage item matches key")
	ErrUnknownCodec   = errors.New("unknown codec")
	ErrMalformedValue = errors.New("malformed storage value")
)
