package push

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/dgnsrekt/storage-relay/internal/block"
)

func makeEvents(prefix string, n int) []block.Event {
	out := make([]block.Event, n)
	for i := range out {
		out[i] = block.Event{
			Kind:   block.KindMap,
			Prefix: prefix,
			Key:    block.HexBytes{byte(i)},
			Value:  json.RawMessage(fmt.Sprintf("%d", i)),
		}
	}
	return out
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n    int
		size int
		want []int
	}{
		{0, 10, nil},
		{1, 10, []int{1}},
		{10, 10, []int{10}},
		{11, 10, []int{10, 1}},
		{25, 10, []int{10, 10, 5}},
		{3, 0, []int{3}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_by_%d", tt.n, tt.size), func(t *testing.T) {
			events := makeEvents("aaa", tt.n)
			chunks := Chunk(events, tt.size)

			var sizes []int
			var joined []block.Event
			for _, c := range chunks {
				sizes = append(sizes, len(c))
				joined = append(joined, c...)
			}
			if !reflect.DeepEqual(sizes, tt.want) {
				t.Errorf("chunk sizes = %v, want %v", sizes, tt.want)
			}
			if len(events) > 0 && !reflect.DeepEqual(joined, events) {
				t.Error("concatenated chunks must equal the input in order")
			}
		})
	}
}

func TestChunkDoesNotAlias(t *testing.T) {
	events := makeEvents("aaa", 12)
	chunks := Chunk(events, 10)

	chunks[0] = append(chunks[0], block.Event{Prefix: "zzz"})
	if events[10].Prefix != "aaa" {
		t.Error("appending to a chunk must not overwrite the next chunk")
	}
}

func TestFilter(t *testing.T) {
	events := []block.Event{
		{Prefix: "aaa", Value: json.RawMessage("1")},
		{Prefix: "ccc", Value: json.RawMessage("2")},
		{Prefix: "bbb", Value: json.RawMessage("3")},
		{Prefix: "aaa", Value: json.RawMessage("4")},
	}

	got := Filter(events, []string{"bbb", "aaa"})
	var values []string
	for _, ev := range got {
		values = append(values, string(ev.Value))
	}
	if !reflect.DeepEqual(values, []string{"1", "3", "4"}) {
		t.Errorf("expected events in block order [1 3 4], got %v", values)
	}

	if len(Filter(events, []string{"zzz"})) != 0 {
		t.Error("expected no matches")
	}
}
