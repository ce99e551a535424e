package decode

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"unicode/utf8"
)

// Codec turns a raw storage value into its JSON representation.
type Codec func(raw []byte) (json.RawMessage, error)

var codecs = map[string]Codec{
	"u8":      fixedUint(1),
	"u16":     fixedUint(2),
	"u32":     fixedUint(4),
	"u64":     fixedUint(8),
	"u128":    fixedUint(16),
	"bool":    decodeBool,
	"bytes":   decodeBytes,
	"compact": decodeCompactValue,
	"string":  decodeString,
	"json":    decodeJSON,
}

// HasCodec reports whether name is a known codec.
func HasCodec(name string) bool {
	_, ok := codecs[name]
	return ok
}

// CodecNames returns the known codec names, sorted.
func CodecNames() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fixedUint decodes a little-endian unsigned integer of exactly size bytes.
func fixedUint(size int) Codec {
	return func(raw []byte) (json.RawMessage, error) {
		if len(raw) != size {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedValue, size, len(raw))
		}
		if size <= 8 {
			var buf [8]byte
			copy(buf[:], raw)
			return json.RawMessage(fmt.Sprintf("%d", binary.LittleEndian.Uint64(buf[:]))), nil
		}
		return json.RawMessage(leBigInt(raw).String()), nil
	}
}

func decodeBool(raw []byte) (json.RawMessage, error) {
	if len(raw) != 1 || raw[0] > 1 {
		return nil, fmt.Errorf("%w: invalid bool encoding", ErrMalformedValue)
	}
	if raw[0] == 1 {
		return json.RawMessage("true"), nil
	}
	return json.RawMessage("false"), nil
}

func decodeBytes(raw []byte) (json.RawMessage, error) {
	return json.Marshal("0x" + hex.EncodeToString(raw))
}

func decodeCompactValue(raw []byte) (json.RawMessage, error) {
	n, used, err := decodeCompact(raw)
	if err != nil {
		return nil, err
	}
	if used != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes after compact integer", ErrMalformedValue, len(raw)-used)
	}
	return json.RawMessage(n.String()), nil
}

// decodeString decodes a compact-length-prefixed UTF-8 string.
func decodeString(raw []byte) (json.RawMessage, error) {
	n, used, err := decodeCompact(raw)
	if err != nil {
		return nil, err
	}
	if !n.IsInt64() || n.Int64() != int64(len(raw)-used) {
		return nil, fmt.Errorf("%w: string length prefix %s does not match %d bytes", ErrMalformedValue, n, len(raw)-used)
	}
	s := raw[used:]
	if !utf8.Valid(s) {
		return nil, fmt.Errorf("%w: string is not valid utf-8", ErrMalformedValue)
	}
	return json.Marshal(string(s))
}

func decodeJSON(raw []byte) (json.RawMessage, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedValue)
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// decodeCompact reads a SCALE compact integer and returns it with the number
// of bytes consumed.
func decodeCompact(raw []byte) (*big.Int, int, error) {
	if len(raw) == 0 {
		return nil, 0, fmt.Errorf("%w: empty compact integer", ErrMalformedValue)
	}
	switch raw[0] & 0b11 {
	case 0b00:
		return big.NewInt(int64(raw[0] >> 2)), 1, nil
	case 0b01:
		if len(raw) < 2 {
			return nil, 0, fmt.Errorf("%w: short two-byte compact integer", ErrMalformedValue)
		}
		return big.NewInt(int64(binary.LittleEndian.Uint16(raw) >> 2)), 2, nil
	case 0b10:
		if len(raw) < 4 {
			return nil, 0, fmt.Errorf("%w: short four-byte compact integer", ErrMalformedValue)
		}
		return big.NewInt(int64(binary.LittleEndian.Uint32(raw) >> 2)), 4, nil
	default:
		size := int(raw[0]>>2) + 4
		if len(raw) < 1+size {
			return nil, 0, fmt.Errorf("%w: short big compact integer", ErrMalformedValue)
		}
		return leBigInt(raw[1 : 1+size]), 1 + size, nil
	}
}

func leBigInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}
