package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgnsrekt/storage-relay/internal/block"
)

// Item describes one storage item family. Items are configuration data: a
// new storage item needs a table entry, not code.
type Item struct {
	Name      string `mapstructure:"name"`       // prefix string used for filtering
	KeyPrefix string `mapstructure:"key_prefix"` // hex key prefix identifying the item
	Kind      string `mapstructure:"kind"`       // "value" or "map"
	Codec     string `mapstructure:"codec"`
}

type entry struct {
	name   string
	prefix []byte
	kind   block.Kind
	codec  Codec
}

// Decoder classifies raw storage changes by longest matching key prefix.
type Decoder struct {
	entries []entry
}

// New builds a Decoder from items.
func New(items []Item) (*Decoder, error) {
	d := &Decoder{entries: make([]entry, 0, len(items))}
	for _, item := range items {
		prefix, err := block.DecodeHex(item.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("item %q: key prefix: %w", item.Name, err)
		}
		codec, ok := codecs[item.Codec]
		if !ok {
			return nil, fmt.Errorf("item %q: %w: %s", item.Name, ErrUnknownCodec, item.Codec)
		}
		kind := block.Kind(item.Kind)
		if kind != block.KindValue && kind != block.KindMap {
			return nil, fmt.Errorf("item %q: unknown kind %q", item.Name, item.Kind)
		}
		d.entries = append(d.entries, entry{
			name:   item.Name,
			prefix: prefix,
			kind:   kind,
			codec:  codec,
		})
	}
	sort.SliceStable(d.entries, func(i, j int) bool {
		return len(d.entries[i].prefix) > len(d.entries[j].prefix)
	})
	return d, nil
}

// Len returns the number of configured items.
func (d *Decoder) Len() int {
	return len(d.entries)
}

// Classify decodes one raw change. An empty value is a removed entry and
// yields a null value.
func (d *Decoder) Classify(key, value []byte) (block.Event, error) {
	e, ok := d.lookup(key)
	if !ok {
		return block.Event{}, fmt.Errorf("%w: %s", ErrUnknownKey, block.HexBytes(key))
	}

	ev := block.Event{Kind: e.kind, Prefix: e.name}
	if e.kind == block.KindMap {
		ev.Key = append(block.HexBytes(nil), key[len(e.prefix):]...)
	}

	if len(value) == 0 {
		ev.Value = json.RawMessage("null")
		return ev, nil
	}

	decoded, err := e.codec(value)
	if err != nil {
		return block.Event{}, fmt.Errorf("item %q: %w", e.name, err)
	}
	ev.Value = decoded
	return ev, nil
}

func (d *Decoder) lookup(key []byte) (entry, bool) {
	for _, e := range d.entries {
		switch e.kind {
		case block.KindValue:
			if bytes.Equal(key, e.prefix) {
				return e, true
			}
		case block.KindMap:
			if bytes.HasPrefix(key, e.prefix) {
				return e, true
			}
		}
	}
	return entry{}, false
}
