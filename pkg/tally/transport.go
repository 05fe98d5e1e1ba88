package tally

import "context"

// BacklogRequest asks a transport for messages posted after a known message.
type BacklogRequest struct {
	// ConversationID identifies the conversation on the transport.
	ConversationID string
	// AfterMessageID excludes this message and everything older.
	AfterMessageID uint64
	// Limit caps how many of the most recent qualifying messages are returned.
	Limit int
}

// Transport exposes the pull-side operations a driver offers besides its
// live event stream.
type Transport interface {
	// FetchBacklog returns up to Limit of the most recent messages newer than
	// AfterMessageID, ordered oldest first.
	FetchBacklog(ctx context.Context, request BacklogRequest) ([]Message, error)
	// ConversationTitle returns a display label for a conversation.
	ConversationTitle(ctx context.Context, conversationID string) (string, error)
}

// TransportDirectory resolves the Transport of a configured driver instance.
type TransportDirectory interface {
	// Transport returns the transport of the driver named sourceID.
	Transport(sourceID string) (Transport, error)
	// Sources lists every source that offers a transport.
	Sources() []EventSource
}
