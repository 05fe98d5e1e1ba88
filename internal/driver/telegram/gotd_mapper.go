package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wordtally/pkg/tally"

	"github.com/gotd/td/tg"
)

const gotdUnknownID = "unknown"

// DefaultGotdUpdateMapper maps gotd message updates into adapter DTO updates.
type DefaultGotdUpdateMapper struct {
	peers *PeerCache
}

// NewDefaultGotdUpdateMapper creates a mapper that records every peer it
// sees into peers. peers may be nil.
func NewDefaultGotdUpdateMapper(peers *PeerCache) DefaultGotdUpdateMapper {
	return DefaultGotdUpdateMapper{peers: peers}
}

// Map converts a gotd raw update value into an adapter update. Service
// messages and empty messages are not accepted.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, false, fmt.Errorf("map gotd update context: %w", err)
	}

	envelope, err := normalizeGotdRaw(raw)
	if err != nil {
		return Update{}, false, fmt.Errorf("map gotd raw update: %w", err)
	}
	m.peers.RememberEnvelope(envelope)

	message, ok := envelope.message.(*tg.Message)
	if !ok {
		return Update{}, false, nil
	}

	return m.mapMessage(message, envelope), true, nil
}

func normalizeGotdRaw(raw any) (gotdUpdateEnvelope, error) {
	switch typed := raw.(type) {
	case gotdUpdateEnvelope:
		return typed, nil
	case *gotdUpdateEnvelope:
		if typed == nil {
			return gotdUpdateEnvelope{}, fmt.Errorf("nil envelope")
		}
		return *typed, nil
	case tg.UpdateClass:
		message, ok := newMessageOf(typed)
		if !ok {
			return gotdUpdateEnvelope{}, fmt.Errorf("unsupported update %T", raw)
		}
		return gotdUpdateEnvelope{
			message:     message,
			occurredAt:  time.Now().UTC(),
			updateClass: typed.TypeName(),
		}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func (m DefaultGotdUpdateMapper) mapMessage(message *tg.Message, envelope gotdUpdateEnvelope) Update {
	chat := resolveChatFromPeer(message.PeerID, envelope)
	actor := resolveActorFromPeer(message.FromID, envelope)
	if actor.ID == gotdUnknownID {
		actor = resolveActorFromPeer(message.PeerID, envelope)
	}
	payload := messagePayloadOf(message)

	occurredAt := intToTimeUTC(message.Date)
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}
	if peer := resolveInputPeerFromPeer(message.PeerID, envelope); peer != nil {
		m.peers.Remember(chat, peer)
	}

	return Update{
		ID:         composeUpdateID(UpdateTypeMessage, chat.ID, payload.ID),
		Type:       UpdateTypeMessage,
		OccurredAt: occurredAt,
		Chat:       chat,
		Actor:      actor,
		Message:    payload,
		Metadata:   map[string]string{"gotd_update": envelope.updateClass},
	}
}

func messagePayloadOf(message *tg.Message) *MessagePayload {
	payload := &MessagePayload{
		ID:   strconv.Itoa(message.ID),
		Text: message.Message,
	}
	if replyTo, ok := message.GetReplyTo(); ok {
		if header, ok := replyTo.(*tg.MessageReplyHeader); ok {
			if replyToMessageID, ok := header.GetReplyToMsgID(); ok {
				payload.ReplyToID = strconv.Itoa(replyToMessageID)
			}
		}
	}

	return payload
}

type gotdUpdateEnvelope struct {
	message     tg.MessageClass
	occurredAt  time.Time
	usersByID   map[int64]*tg.User
	chatsByID   map[int64]gotdChatInfo
	updateClass string
}

type gotdChatInfo struct {
	title     string
	kind      tally.ConversationType
	inputPeer tg.InputPeerClass
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	if len(users) == 0 {
		return nil
	}

	out := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		notEmpty, ok := user.AsNotEmpty()
		if !ok || notEmpty == nil {
			continue
		}
		out[notEmpty.ID] = notEmpty
	}

	return out
}

func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Chat:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      tally.ConversationTypeGroup,
				inputPeer: typed.AsInputPeer(),
			}
		case *tg.ChatForbidden:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      tally.ConversationTypeGroup,
				inputPeer: &tg.InputPeerChat{ChatID: typed.ID},
			}
		case *tg.Channel:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      channelKind(typed.Megagroup),
				inputPeer: typed.AsInputPeer(),
			}
		case *tg.ChannelForbidden:
			out[typed.ID] = gotdChatInfo{
				title: typed.Title,
				kind:  channelKind(typed.Megagroup),
				inputPeer: &tg.InputPeerChannel{
					ChannelID:  typed.ID,
					AccessHash: typed.AccessHash,
				},
			}
		}
	}

	return out
}

// channelKind reports megagroups as groups.
func channelKind(megagroup bool) tally.ConversationType {
	if megagroup {
		return tally.ConversationTypeGroup
	}
	return tally.ConversationTypeChannel
}

func resolveChatFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) ChatRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		actor := resolveActorByUserID(typed.UserID, envelope)
		return ChatRef{
			ID:    actor.ID,
			Type:  tally.ConversationTypePrivate,
			Title: actor.DisplayName,
		}
	case *tg.PeerChat:
		return resolveChatByID(typed.ChatID, tally.ConversationTypeGroup, envelope)
	case *tg.PeerChannel:
		return resolveChatByID(typed.ChannelID, tally.ConversationTypeChannel, envelope)
	default:
		return ChatRef{ID: gotdUnknownID, Type: tally.ConversationTypePrivate}
	}
}

func resolveChatByID(id int64, fallback tally.ConversationType, envelope gotdUpdateEnvelope) ChatRef {
	chat := ChatRef{ID: strconv.FormatInt(id, 10), Type: fallback}
	if info, ok := envelope.chatsByID[id]; ok {
		chat.Title = info.title
		chat.Type = info.kind
	}

	return chat
}

func resolveActorFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) ActorRef {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		return resolveActorByUserID(typed.UserID, envelope)
	case *tg.PeerChat:
		return ActorRef{
			ID:          strconv.FormatInt(typed.ChatID, 10),
			DisplayName: envelope.chatsByID[typed.ChatID].title,
		}
	case *tg.PeerChannel:
		return ActorRef{
			ID:          strconv.FormatInt(typed.ChannelID, 10),
			DisplayName: envelope.chatsByID[typed.ChannelID].title,
		}
	default:
		return ActorRef{ID: gotdUnknownID}
	}
}

func resolveActorByUserID(userID int64, envelope gotdUpdateEnvelope) ActorRef {
	if userID == 0 {
		return ActorRef{ID: gotdUnknownID}
	}

	id := strconv.FormatInt(userID, 10)
	user, ok := envelope.usersByID[userID]
	if !ok || user == nil {
		return ActorRef{ID: id}
	}

	return ActorRef{
		ID:          id,
		Username:    user.Username,
		DisplayName: userDisplayName(user),
		IsBot:       user.Bot,
	}
}

func userDisplayName(user *tg.User) string {
	if name := strings.TrimSpace(user.FirstName + " " + user.LastName); name != "" {
		return name
	}
	if user.Username != "" {
		return user.Username
	}

	return strconv.FormatInt(user.ID, 10)
}

func resolveInputPeerFromPeer(peer tg.PeerClass, envelope gotdUpdateEnvelope) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.PeerUser:
		if user, ok := envelope.usersByID[typed.UserID]; ok && user != nil {
			return user.AsInputPeer()
		}
	case *tg.PeerChat:
		if typed.ChatID != 0 {
			return &tg.InputPeerChat{ChatID: typed.ChatID}
		}
	case *tg.PeerChannel:
		if info, ok := envelope.chatsByID[typed.ChannelID]; ok {
			return info.inputPeer
		}
	}

	return nil
}

func composeUpdateID(updateType UpdateType, chatID string, parts ...any) string {
	values := []string{"tg", string(updateType)}
	if chatID != "" {
		values = append(values, chatID)
	}
	for _, part := range parts {
		switch typed := part.(type) {
		case string:
			if typed != "" {
				values = append(values, typed)
			}
		case time.Time:
			if !typed.IsZero() {
				values = append(values, strconv.FormatInt(typed.UnixNano(), 10))
			}
		default:
			values = append(values, fmt.Sprint(part))
		}
	}

	return strings.Join(values, ":")
}
