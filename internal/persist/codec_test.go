package persist

import (
	"bytes"
	"errors"
	"testing"

	"wordtally/internal/stats"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeSnapshotRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty input", raw: ``},
		{name: "truncated", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":3`},
		{name: "not an object", raw: `[1,2,3]`},
		{name: "missing version", raw: `{"channels":[]}`},
		{name: "future version", raw: `{"version":2,"channels":[]}`},
		{name: "missing channels", raw: `{"version":1}`},
		{name: "unknown top level field", raw: `{"version":1,"channels":[],"extra":true}`},
		{name: "unknown record field", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":{"a":1},"high_water_mark":5,"color":"red"}]}`},
		{name: "negative message count", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":-1,"word_frequency":{},"high_water_mark":5}]}`},
		{name: "negative word count", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":{"a":-2},"high_water_mark":5}]}`},
		{name: "fractional count", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1.5,"word_frequency":{},"high_water_mark":5}]}`},
		{name: "empty scope", raw: `{"version":1,"channels":[{"scope":"","channel":"7","message_count":0,"word_frequency":{},"high_water_mark":0}]}`},
		{name: "missing high water mark", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":0,"word_frequency":{}}]}`},
		{name: "missing word frequency", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":0,"high_water_mark":0}]}`},
		{name: "zero word count", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":{"a":0},"high_water_mark":5}]}`},
		{name: "duplicate word", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":{"a":1,"a":4},"high_water_mark":5}]}`},
		{name: "word frequency array", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":[1],"high_water_mark":5}]}`},
		{name: "empty word", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":1,"word_frequency":{"":1},"high_water_mark":5}]}`},
		{name: "words without messages", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":0,"word_frequency":{"a":1},"high_water_mark":5}]}`},
		{name: "messages without watermark", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":2,"word_frequency":{},"high_water_mark":0}]}`},
		{name: "duplicate channel", raw: `{"version":1,"channels":[{"scope":"1","channel":"7","message_count":0,"word_frequency":{},"high_water_mark":0},{"scope":"1","channel":"7","message_count":0,"word_frequency":{},"high_water_mark":0}]}`},
		{name: "trailing data", raw: `{"version":1,"channels":[]} {"version":1,"channels":[]}`},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := decodeSnapshot([]byte(testCase.raw))
			if !errors.Is(err, ErrSnapshotCorrupt) {
				t.Fatalf("decodeSnapshot() error = %v, want ErrSnapshotCorrupt", err)
			}
		})
	}
}

func TestEncodeDecodeSnapshotPreservesTrackers(t *testing.T) {
	t.Parallel()

	snapshot := stats.Snapshot{
		stats.NewChannelKey("1", "7"): {
			MessageCount:  3,
			WordFrequency: map[string]uint64{"cat": 2, "dog": 2},
			HighWaterMark: 103,
		},
		stats.NewChannelKey("1", "8"): {
			MessageCount:  0,
			WordFrequency: map[string]uint64{},
			HighWaterMark: 18_446_744_073_709_551_615,
		},
		stats.NewChannelKey("tg/main", "chat 9"): {
			MessageCount:  1,
			WordFrequency: map[string]uint64{"привет": 1},
			HighWaterMark: 1,
		},
	}

	var buf bytes.Buffer
	if err := encodeSnapshot(&buf, snapshot); err != nil {
		t.Fatalf("encodeSnapshot() error = %v", err)
	}
	decoded, err := decodeSnapshot(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeSnapshot() error = %v", err)
	}
	if diff := cmp.Diff(snapshot, decoded); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSnapshotAcceptsEmptyChannelList(t *testing.T) {
	t.Parallel()

	snapshot, err := decodeSnapshot([]byte(`{"version":1,"channels":[]}`))
	if err != nil {
		t.Fatalf("decodeSnapshot() error = %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("decodeSnapshot() = %v, want empty", snapshot)
	}
}
