package block

import "errors"

var (
	ErrNonMonotonicCommit = errors.New("commit height not above last committed height")
)
