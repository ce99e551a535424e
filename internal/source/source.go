// Package source produces raw storage changes from a node.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgnsrekt/storage-relay/internal/block"
)

// Change is one raw storage change observed at Height.
type Change struct {
	Height uint64
	Key    []byte
	Value  []byte
	// Genesis is set on height-zero changes seen before any non-zero height.
	Genesis bool
}

// Source yields changes in the order the node produced them. Next blocks
// until a change is available, ctx is done, or the source fails.
type Source interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Height accepts a JSON number, a decimal string, or a 0x-prefixed hex string.
type Height uint64

func (h *Height) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		n, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid height %s: %w", data, err)
		}
		*h = Height(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var (
		n   uint64
		err error
	)
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		n, err = strconv.ParseUint(rest, 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid height %q: %w", s, err)
	}
	*h = Height(n)
	return nil
}

// nullableHex decodes a hex string or JSON null. Null leaves it nil.
type nullableHex []byte

func (b *nullableHex) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := block.DecodeHex(s)
	if err != nil {
		return err
	}
	*b = raw
	return nil
}

type genesisTracker struct {
	past bool
}

// flag reports whether a change at height belongs to the genesis state.
func (g *genesisTracker) flag(height uint64) bool {
	if height != 0 {
		g.past = true
		return false
	}
	return !g.past
}
