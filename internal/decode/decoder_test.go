package decode

import (
	"errors"
	"testing"

	"github.com/dgnsrekt/storage-relay/internal/block"
)

const (
	issuancePrefix = "0xc2261276cc9d1f8598ea4b6a74b15c2f57c875e4cff74148e4628f264b974c80"
	accountPrefix  = "0x26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9"
)

func testItems() []Item {
	return []Item{
		{Name: "Balances TotalIssuance", KeyPrefix: issuancePrefix, Kind: "value", Codec: "u128"},
		{Name: "System Account", KeyPrefix: accountPrefix, Kind: "map", Codec: "json"},
		{Name: "System Events Count", KeyPrefix: "0x26aa", Kind: "map", Codec: "u32"},
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := block.DecodeHex(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClassifyValueItem(t *testing.T) {
	d, err := New(testItems())
	if err != nil {
		t.Fatal(err)
	}

	value := make([]byte, 16)
	value[0] = 123

	ev, err := d.Classify(mustHex(t, issuancePrefix), value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != block.KindValue || ev.Prefix != "Balances TotalIssuance" {
		t.Errorf("unexpected classification: %+v", ev)
	}
	if string(ev.Value) != "123" {
		t.Errorf("expected value 123, got %s", ev.Value)
	}
	if ev.Key != nil {
		t.Errorf("value items carry no key, got %s", ev.Key)
	}
}

func TestClassifyMapItemUsesLongestPrefix(t *testing.T) {
	d, err := New(testItems())
	if err != nil {
		t.Fatal(err)
	}

	key := append(mustHex(t, accountPrefix), 0xde, 0xad)
	ev, err := d.Classify(key, []byte(`{"nonce":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Prefix != "System Account" {
		t.Errorf("expected longest prefix match System Account, got %s", ev.Prefix)
	}
	if ev.Key.String() != "0xdead" {
		t.Errorf("expected map key 0xdead, got %s", ev.Key)
	}
	if string(ev.Value) != `{"nonce":1}` {
		t.Errorf("unexpected value %s", ev.Value)
	}
}

func TestClassifyEmptyValueIsNull(t *testing.T) {
	d, err := New(testItems())
	if err != nil {
		t.Fatal(err)
	}

	ev, err := d.Classify(mustHex(t, issuancePrefix), nil)
	if err != nil {
		t.Fatalf("removed entries must not fail: %v", err)
	}
	if string(ev.Value) != "null" {
		t.Errorf("expected null value, got %s", ev.Value)
	}
}

func TestClassifyErrors(t *testing.T) {
	d, err := New(testItems())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Classify([]byte{0x01, 0x02}, []byte{1}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := d.Classify(mustHex(t, issuancePrefix), []byte{1, 2, 3}); !errors.Is(err, ErrMalformedValue) {
		t.Errorf("expected ErrMalformedValue for short u128, got %v", err)
	}
}

func TestNewRejectsUnknownCodec(t *testing.T) {
	_, err := New([]Item{{Name: "X", KeyPrefix: "0x01", Kind: "value", Codec: "float"}})
	if !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("expected ErrUnknownCodec, got %v", err)
	}
}

func TestCompactCodec(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"single byte", []byte{0x04}, "1"},
		{"two byte", []byte{0x15, 0x01}, "69"},
		{"four byte", []byte{0x02, 0x00, 0x01, 0x00}, "16384"},
		{"big", []byte{0x03, 0x00, 0x00, 0x00, 0x40}, "1073741824"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCompactValue(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStringCodec(t *testing.T) {
	got, err := decodeString([]byte{0x0c, 'D', 'O', 'T'})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `"DOT"` {
		t.Errorf(`expected "DOT", got %s`, got)
	}
}
