package wordstats

import (
	"context"
	"fmt"
	"strconv"

	"wordtally/internal/stats"
	"wordtally/pkg/tally"
)

// transportFetcher serves replay backlog requests from the transport of the
// driver named by a channel's scope.
type transportFetcher struct {
	transports tally.TransportDirectory
}

func (f transportFetcher) FetchAfter(
	ctx context.Context,
	key stats.ChannelKey,
	after stats.MessageID,
	limit int,
) ([]stats.Message, error) {
	transport, err := f.transports.Transport(key.Scope)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	backlog, err := transport.FetchBacklog(ctx, tally.BacklogRequest{
		ConversationID: key.Channel,
		AfterMessageID: uint64(after),
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}

	messages := make([]stats.Message, 0, len(backlog))
	for _, message := range backlog {
		id, err := parseMessageID(message.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, err)
		}
		messages = append(messages, stats.Message{ID: id, Body: message.Text})
	}

	return messages, nil
}

func (f transportFetcher) ChannelTitle(ctx context.Context, key stats.ChannelKey) (string, error) {
	transport, err := f.transports.Transport(key.Scope)
	if err != nil {
		return "", fmt.Errorf("title %s: %w", key, err)
	}
	title, err := transport.ConversationTitle(ctx, key.Channel)
	if err != nil {
		return "", fmt.Errorf("title %s: %w", key, err)
	}

	return title, nil
}

// parseMessageID parses a decimal transport message id.
func parseMessageID(raw string) (stats.MessageID, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse message id %q: %w", raw, err)
	}

	return stats.MessageID(id), nil
}
