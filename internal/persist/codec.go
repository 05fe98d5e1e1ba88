package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"wordtally/internal/stats"
)

// SnapshotVersion is the schema version written by this package.
const SnapshotVersion = 1

type snapshotDocument struct {
	Version  *int            `json:"version"`
	Channels []channelRecord `json:"channels"`
}

// channelRecord is the durable form of one tracker. Pointer fields detect
// omitted members.
type channelRecord struct {
	Scope         string        `json:"scope"`
	Channel       string        `json:"channel"`
	MessageCount  *uint64       `json:"message_count"`
	WordFrequency wordFrequency `json:"word_frequency"`
	HighWaterMark *uint64       `json:"high_water_mark"`
}

// wordFrequency decodes a JSON object and rejects repeated words, which
// encoding/json would otherwise collapse into the last value.
type wordFrequency map[string]uint64

func (w *wordFrequency) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*w = nil
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("word_frequency: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("word_frequency: want object, got %v", token)
	}

	words := wordFrequency{}
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("word_frequency: %w", err)
		}
		word, ok := token.(string)
		if !ok {
			return fmt.Errorf("word_frequency: unexpected key %v", token)
		}
		if _, exists := words[word]; exists {
			return fmt.Errorf("word_frequency: duplicate word %q", word)
		}
		var count uint64
		if err := decoder.Decode(&count); err != nil {
			return fmt.Errorf("word_frequency: word %q: %w", word, err)
		}
		words[word] = count
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("word_frequency: %w", err)
	}
	*w = words

	return nil
}

func newChannelRecord(key stats.ChannelKey, tracker stats.ChannelTracker) channelRecord {
	count := tracker.MessageCount
	hwm := uint64(tracker.HighWaterMark)
	words := tracker.WordFrequency
	if words == nil {
		words = map[string]uint64{}
	}

	return channelRecord{
		Scope:         key.Scope,
		Channel:       key.Channel,
		MessageCount:  &count,
		WordFrequency: words,
		HighWaterMark: &hwm,
	}
}

// tracker validates r and converts it back into a key and tracker.
func (r channelRecord) tracker() (stats.ChannelKey, stats.ChannelTracker, error) {
	key := stats.ChannelKey{Scope: r.Scope, Channel: r.Channel}
	if key.IsZero() {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel record with empty scope or channel")
	}
	if r.MessageCount == nil {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: missing message_count", key)
	}
	if r.HighWaterMark == nil {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: missing high_water_mark", key)
	}
	if r.WordFrequency == nil {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: missing word_frequency", key)
	}
	if *r.MessageCount == 0 && len(r.WordFrequency) > 0 {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: words without messages", key)
	}
	if *r.MessageCount > 0 && *r.HighWaterMark == 0 {
		return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: messages without high_water_mark", key)
	}

	words := make(map[string]uint64, len(r.WordFrequency))
	for word, count := range r.WordFrequency {
		if word == "" {
			return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: empty word", key)
		}
		if count == 0 {
			return stats.ChannelKey{}, stats.ChannelTracker{}, fmt.Errorf("channel %s: word %q with zero count", key, word)
		}
		words[word] = count
	}

	return key, stats.ChannelTracker{
		MessageCount:  *r.MessageCount,
		WordFrequency: words,
		HighWaterMark: stats.MessageID(*r.HighWaterMark),
	}, nil
}

// encodeSnapshot writes snapshot as one JSON document with channels in key order.
func encodeSnapshot(w io.Writer, snapshot stats.Snapshot) error {
	version := SnapshotVersion
	document := snapshotDocument{
		Version:  &version,
		Channels: make([]channelRecord, 0, len(snapshot)),
	}
	for _, key := range snapshot.Keys() {
		document.Channels = append(document.Channels, newChannelRecord(key, snapshot[key]))
	}

	if err := json.NewEncoder(w).Encode(document); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return nil
}

// decodeSnapshot parses one JSON document produced by encodeSnapshot.
// Every failure wraps ErrSnapshotCorrupt.
func decodeSnapshot(raw []byte) (stats.Snapshot, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var document snapshotDocument
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrSnapshotCorrupt, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after document", ErrSnapshotCorrupt)
	}
	if document.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrSnapshotCorrupt)
	}
	if *document.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, *document.Version)
	}
	if document.Channels == nil {
		return nil, fmt.Errorf("%w: missing channels", ErrSnapshotCorrupt)
	}

	snapshot := make(stats.Snapshot, len(document.Channels))
	for _, record := range document.Channels {
		if err := addRecord(snapshot, record); err != nil {
			return nil, err
		}
	}

	return snapshot, nil
}

func addRecord(snapshot stats.Snapshot, record channelRecord) error {
	key, tracker, err := record.tracker()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)
	}
	if _, exists := snapshot[key]; exists {
		return fmt.Errorf("%w: duplicate channel %s", ErrSnapshotCorrupt, key)
	}
	snapshot[key] = tracker

	return nil
}

// decodeRecord parses one standalone channel record.
func decodeRecord(raw []byte) (channelRecord, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()

	var record channelRecord
	if err := decoder.Decode(&record); err != nil {
		return channelRecord{}, fmt.Errorf("%w: decode record: %w", ErrSnapshotCorrupt, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return channelRecord{}, fmt.Errorf("%w: trailing data after record", ErrSnapshotCorrupt)
	}

	return record, nil
}
