package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/dgnsrekt/storage-relay/internal/block"
	"github.com/dgnsrekt/storage-relay/internal/decode"
	"github.com/dgnsrekt/storage-relay/internal/metrics"
	"github.com/dgnsrekt/storage-relay/internal/source"
)

// scriptedSource replays changes and then returns end.
type scriptedSource struct {
	changes []source.Change
	end     error
	closed  bool
}

func (s *scriptedSource) Next(ctx context.Context) (source.Change, error) {
	if err := ctx.Err(); err != nil {
		return source.Change{}, err
	}
	if len(s.changes) == 0 {
		return source.Change{}, s.end
	}
	c := s.changes[0]
	s.changes = s.changes[1:]
	return c, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

type recordingCommitter struct {
	heights []uint64
	blocks  map[uint64][]block.Event
}

func (c *recordingCommitter) Commit(height uint64, events []block.Event) error {
	if c.blocks == nil {
		c.blocks = make(map[uint64][]block.Event)
	}
	c.heights = append(c.heights, height)
	c.blocks[height] = events
	return nil
}

type countingMetrics struct {
	decodeFailures int
	dropped        int
}

func (m *countingMetrics) DecodeFailed()  { m.decodeFailures++ }
func (m *countingMetrics) ChangeDropped() { m.dropped++ }

func newTestDecoder(t *testing.T) *decode.Decoder {
	t.Helper()
	d, err := decode.New([]decode.Item{
		{Name: "aaa", KeyPrefix: "0xaa", Kind: "value", Codec: "u32"},
		{Name: "bbb", KeyPrefix: "0xbb", Kind: "map", Codec: "u8"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func run(t *testing.T, changes []source.Change, end error) (*recordingCommitter, *countingMetrics, error) {
	t.Helper()
	committer := &recordingCommitter{}
	m := &countingMetrics{}
	window := block.NewWindow(committer, metrics.NewNoopCollector(), zap.NewNop())
	src := &scriptedSource{changes: changes, end: end}

	err := New(src, newTestDecoder(t), window, m, zap.NewNop()).Run(context.Background())
	return committer, m, err
}

func TestIngesterCommitsCompletedBlocks(t *testing.T) {
	committer, m, err := run(t, []source.Change{
		{Height: 5, Key: []byte{0xaa}, Value: []byte{1, 0, 0, 0}},
		{Height: 5, Key: []byte{0xbb, 0x01}, Value: []byte{7}},
		{Height: 5, Key: []byte{0xaa}, Value: []byte{123, 0, 0, 0}},
		{Height: 6, Key: []byte{0xaa}, Value: []byte{2, 0, 0, 0}},
	}, source.ErrClosed)
	if err != nil {
		t.Fatalf("closed source must end ingestion cleanly: %v", err)
	}
	if m.decodeFailures != 0 || m.dropped != 0 {
		t.Errorf("unexpected drops: %+v", m)
	}

	if len(committer.heights) != 1 || committer.heights[0] != 5 {
		t.Fatalf("expected only height 5 committed, got %v", committer.heights)
	}
	events := committer.blocks[5]
	if len(events) != 2 {
		t.Fatalf("expected 2 events after last-write-wins, got %d", len(events))
	}
	if events[0].Prefix != "aaa" || string(events[0].Value) != "123" {
		t.Errorf("expected aaa=123 in first-write position, got %+v", events[0])
	}
	if events[1].Prefix != "bbb" || events[1].Key.String() != "0x01" {
		t.Errorf("unexpected map event %+v", events[1])
	}
}

func TestIngesterDropsUndecodableButKeepsBoundary(t *testing.T) {
	committer, m, err := run(t, []source.Change{
		{Height: 1, Key: []byte{0xaa}, Value: []byte{1, 0, 0, 0}},
		{Height: 2, Key: []byte{0xcc}, Value: []byte{1}},
		{Height: 3, Key: []byte{0xaa}, Value: []byte{3, 0, 0, 0}},
	}, source.ErrClosed)
	if err != nil {
		t.Fatal(err)
	}
	if m.decodeFailures != 1 {
		t.Errorf("expected 1 decode failure, got %d", m.decodeFailures)
	}
	if len(committer.heights) != 2 || committer.heights[0] != 1 || committer.heights[1] != 2 {
		t.Fatalf("expected heights [1 2], got %v", committer.heights)
	}
	if n := len(committer.blocks[2]); n != 0 {
		t.Errorf("height 2 carried only an undecodable change, got %d events", n)
	}
}

func TestIngesterGenesisHandling(t *testing.T) {
	committer, m, err := run(t, []source.Change{
		{Height: 0, Key: []byte{0xaa}, Value: []byte{9, 0, 0, 0}, Genesis: true},
		{Height: 1, Key: []byte{0xaa}, Value: []byte{1, 0, 0, 0}},
		{Height: 0, Key: []byte{0xaa}, Value: []byte{8, 0, 0, 0}},
		{Height: 2, Key: []byte{0xaa}, Value: []byte{2, 0, 0, 0}},
	}, source.ErrClosed)
	if err != nil {
		t.Fatal(err)
	}
	if m.dropped != 1 {
		t.Errorf("expected the non-genesis zero-height change dropped, got %d", m.dropped)
	}
	if len(committer.heights) != 2 || committer.heights[0] != 0 || committer.heights[1] != 1 {
		t.Errorf("expected heights [0 1], got %v", committer.heights)
	}
	if string(committer.blocks[0][0].Value) != "9" {
		t.Errorf("unexpected genesis value %s", committer.blocks[0][0].Value)
	}
}

func TestIngesterSourceFailureIsFatal(t *testing.T) {
	boom := errors.New("connection reset")
	_, _, err := run(t, []source.Change{
		{Height: 1, Key: []byte{0xaa}, Value: []byte{1, 0, 0, 0}},
	}, boom)
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped source error, got %v", err)
	}
}

func TestIngesterStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	window := block.NewWindow(&recordingCommitter{}, metrics.NewNoopCollector(), zap.NewNop())
	src := &scriptedSource{end: errors.New("never reached")}
	if err := New(src, newTestDecoder(t), window, &countingMetrics{}, zap.NewNop()).Run(ctx); err != nil {
		t.Errorf("cancelled ingestion must return nil, got %v", err)
	}
}

func TestEventJSON(t *testing.T) {
	ev, err := newTestDecoder(t).Classify([]byte{0xbb, 0x02}, []byte{5})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"kind":"map","prefix":"bbb","key":"0x02","value":5}` {
		t.Errorf("unexpected event encoding %s", data)
	}
}
