package block

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes single-value storage items from map entries.
type Kind string

const (
	KindValue Kind = "value"
	KindMap   Kind = "map"
)

// Event is one decoded storage change, tagged with the item prefix it belongs to.
type Event struct {
	Kind   Kind            `json:"kind"`
	Prefix string          `json:"prefix"`
	Key    HexBytes        `json:"key,omitempty"`
	Value  json.RawMessage `json:"value"`
}

// CompositeKey is the unit of last-write-wins merging within one block.
func CompositeKey(prefix string, rawKey []byte) string {
	return prefix + string(rawKey)
}

// HexBytes marshals as a 0x-prefixed hex string.
type HexBytes []byte

func (b HexBytes) String() string {
	return "0x" + hex.EncodeToString(b)
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := DecodeHex(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DecodeHex decodes a hex string with or without the 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return decoded, nil
}
