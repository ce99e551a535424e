package push

import (
	"github.com/dgnsrekt/storage-relay/internal/block"
)

// DefaultChunkSize bounds the number of events carried by one push request.
const DefaultChunkSize = 10

// Message is the payload of one push call.
type Message struct {
	Height uint64        `json:"height"`
	Data   []block.Event `json:"data"`
}

// Filter keeps the events whose prefix is in prefixes, in original order.
func Filter(events []block.Event, prefixes []string) []block.Event {
	interest := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		interest[p] = struct{}{}
	}

	var out []block.Event
	for _, ev := range events {
		if _, ok := interest[ev.Prefix]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// Chunk splits events into contiguous runs of at most size events.
func Chunk(events []block.Event, size int) [][]block.Event {
	if size < 1 {
		size = DefaultChunkSize
	}
	chunks := make([][]block.Event, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		chunks = append(chunks, events[start:end:end])
	}
	return chunks
}
