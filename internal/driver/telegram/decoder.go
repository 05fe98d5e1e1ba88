package telegram

import (
	"context"
	"fmt"
	"time"

	"wordtally/pkg/tally"
)

// Decoder converts Telegram update DTOs into neutral tally events.
type Decoder interface {
	// Decode maps one adapter update into a validated neutral event envelope.
	Decode(ctx context.Context, update Update) (*tally.Event, error)
}

// DefaultDecoder provides default Telegram-to-tally mappings.
type DefaultDecoder struct {
	source tally.EventSource
}

// NewDefaultDecoder creates a decoder stamping events with sourceID.
func NewDefaultDecoder(sourceID string) DefaultDecoder {
	return DefaultDecoder{source: tally.EventSource{Platform: DriverPlatform, ID: sourceID}}
}

// Decode converts a Telegram update into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*tally.Event, error) {
	event := d.newBaseEvent(update)

	switch update.Type {
	case UpdateTypeMessage:
		event.Kind = tally.EventKindMessageCreated
		message, err := decodeMessage(update.Message)
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		event.Message = message
	case UpdateTypeReady:
		event.Kind = tally.EventKindTransportReady
	default:
		return nil, fmt.Errorf("decode update %s: unsupported type", update.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", update.Type, err)
	}

	return event, nil
}

func (d DefaultDecoder) newBaseEvent(update Update) *tally.Event {
	occurredAt := update.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return &tally.Event{
		ID:         update.ID,
		OccurredAt: occurredAt,
		Source:     d.source,
		Conversation: tally.Conversation{
			ID:    update.Chat.ID,
			Type:  update.Chat.Type,
			Title: update.Chat.Title,
		},
		Actor: tally.Actor{
			ID:          update.Actor.ID,
			Username:    update.Actor.Username,
			DisplayName: update.Actor.DisplayName,
			IsBot:       update.Actor.IsBot,
		},
		Metadata: update.Metadata,
	}
}

func decodeMessage(payload *MessagePayload) (*tally.Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("missing message payload")
	}

	return &tally.Message{
		ID:        payload.ID,
		ReplyToID: payload.ReplyToID,
		Text:      payload.Text,
	}, nil
}
