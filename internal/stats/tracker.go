package stats

import (
	"maps"
	"strings"
)

// MessageID is a transport message identifier. Identifiers increase over
// time within one channel.
type MessageID uint64

// Message is the part of a chat message that statistics consume.
type Message struct {
	ID   MessageID
	Body string
}

// Tokenizer turns a message body into normalized word tokens.
type Tokenizer interface {
	Tokenize(body string) []string
}

// TokenizerFunc adapts a plain function to Tokenizer.
type TokenizerFunc func(body string) []string

// Tokenize calls f(body).
func (f TokenizerFunc) Tokenize(body string) []string {
	return f(body)
}

// whitespaceTokenizer is used when a Store is built without a tokenizer.
var whitespaceTokenizer = TokenizerFunc(strings.Fields)

// ApplyResult reports what happened to one message.
type ApplyResult int

const (
	// ApplyApplied means the message was counted.
	ApplyApplied ApplyResult = iota + 1
	// ApplyDuplicate means the message id was at or below the high-water mark.
	ApplyDuplicate
	// ApplyUntracked means the channel has no tracker.
	ApplyUntracked
)

// String returns the metric label of the result.
func (r ApplyResult) String() string {
	switch r {
	case ApplyApplied:
		return "applied"
	case ApplyDuplicate:
		return "duplicate"
	case ApplyUntracked:
		return "untracked"
	default:
		return "unknown"
	}
}

// ChannelTracker aggregates statistics of one channel.
type ChannelTracker struct {
	MessageCount  uint64
	WordFrequency map[string]uint64
	HighWaterMark MessageID
}

// NewChannelTracker creates an empty tracker that ignores ids up to after.
func NewChannelTracker(after MessageID) *ChannelTracker {
	return &ChannelTracker{
		WordFrequency: make(map[string]uint64),
		HighWaterMark: after,
	}
}

// Update counts msg unless its id was already accounted for.
func (t *ChannelTracker) Update(msg Message, tokenizer Tokenizer) ApplyResult {
	if msg.ID <= t.HighWaterMark {
		return ApplyDuplicate
	}
	if tokenizer == nil {
		tokenizer = whitespaceTokenizer
	}
	if t.WordFrequency == nil {
		t.WordFrequency = make(map[string]uint64)
	}

	for _, word := range tokenizer.Tokenize(msg.Body) {
		t.WordFrequency[word]++
	}
	t.MessageCount++
	t.HighWaterMark = msg.ID

	return ApplyApplied
}

// Clone returns a deep copy.
func (t *ChannelTracker) Clone() ChannelTracker {
	cloned := ChannelTracker{
		MessageCount:  t.MessageCount,
		HighWaterMark: t.HighWaterMark,
		WordFrequency: make(map[string]uint64, len(t.WordFrequency)),
	}
	maps.Copy(cloned.WordFrequency, t.WordFrequency)

	return cloned
}

// Equal reports field-for-field equality.
func (t ChannelTracker) Equal(other ChannelTracker) bool {
	if t.MessageCount != other.MessageCount || t.HighWaterMark != other.HighWaterMark {
		return false
	}

	return maps.Equal(t.WordFrequency, other.WordFrequency)
}
