package telegram

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"wordtally/pkg/tally"

	"github.com/gotd/td/tg"
	"golang.org/x/sync/singleflight"
)

const (
	// maxHistoryPage is the largest page messages.getHistory serves.
	maxHistoryPage = 100
	dialogsPage    = 100
)

// HistoryAPI is the subset of the gotd RPC client used to serve backlogs.
type HistoryAPI interface {
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
}

// History serves backlog and title requests over the userbot session. It
// implements tally.Transport.
type History struct {
	api     HistoryAPI
	peers   *PeerCache
	gate    *SessionGate
	logger  *slog.Logger
	dialogs singleflight.Group
}

// NewHistory creates a history transport. Requests fail with
// tally.ErrTransportNotReady while gate is closed.
func NewHistory(api HistoryAPI, peers *PeerCache, gate *SessionGate, logger *slog.Logger) (*History, error) {
	if api == nil {
		return nil, fmt.Errorf("new telegram history: nil api")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram history: nil peer cache")
	}
	if gate == nil {
		return nil, fmt.Errorf("new telegram history: nil session gate")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &History{api: api, peers: peers, gate: gate, logger: logger}, nil
}

// FetchBacklog returns up to request.Limit of the newest messages posted
// after request.AfterMessageID, oldest first.
func (h *History) FetchBacklog(ctx context.Context, request tally.BacklogRequest) ([]tally.Message, error) {
	if !h.gate.Ready() {
		return nil, fmt.Errorf("fetch backlog %s: %w", request.ConversationID, tally.ErrTransportNotReady)
	}
	if request.Limit <= 0 || request.Limit > maxHistoryPage {
		return nil, fmt.Errorf("fetch backlog %s: limit %d outside 1..%d", request.ConversationID, request.Limit, maxHistoryPage)
	}
	if request.AfterMessageID > math.MaxInt32 {
		return nil, fmt.Errorf("fetch backlog %s: message id %d out of range", request.ConversationID, request.AfterMessageID)
	}

	peer, err := h.resolvePeer(ctx, request.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog %s: %w", request.ConversationID, err)
	}

	result, err := h.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer,
		Limit: request.Limit,
		MinID: int(request.AfterMessageID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch backlog %s: get history: %w", request.ConversationID, err)
	}
	page, ok := result.AsModified()
	if !ok {
		return nil, nil
	}
	h.peers.RememberEntities(page.GetUsers(), page.GetChats())

	fresh := make([]*tg.Message, 0, len(page.GetMessages()))
	for _, raw := range page.GetMessages() {
		if message, ok := raw.(*tg.Message); ok && uint64(message.ID) > request.AfterMessageID {
			fresh = append(fresh, message)
		}
	}
	slices.SortFunc(fresh, func(a, b *tg.Message) int {
		return cmp.Compare(a.ID, b.ID)
	})

	messages := make([]tally.Message, 0, len(fresh))
	for _, message := range fresh {
		payload := messagePayloadOf(message)
		messages = append(messages, tally.Message{
			ID:        payload.ID,
			ReplyToID: payload.ReplyToID,
			Text:      payload.Text,
		})
	}

	return messages, nil
}

// ConversationTitle returns the cached title, listing dialogs once on a miss.
func (h *History) ConversationTitle(ctx context.Context, conversationID string) (string, error) {
	if title, ok := h.peers.Title(conversationID); ok {
		return title, nil
	}
	if !h.gate.Ready() {
		return "", fmt.Errorf("conversation title %s: %w", conversationID, tally.ErrTransportNotReady)
	}
	if err := h.warmDialogs(ctx); err != nil {
		return "", fmt.Errorf("conversation title %s: %w", conversationID, err)
	}
	if title, ok := h.peers.Title(conversationID); ok {
		return title, nil
	}

	return "", fmt.Errorf("conversation title %s: unknown conversation", conversationID)
}

func (h *History) resolvePeer(ctx context.Context, conversationID string) (tg.InputPeerClass, error) {
	if peer, err := h.peers.Resolve(conversationID); err == nil {
		return peer, nil
	}
	if err := h.warmDialogs(ctx); err != nil {
		return nil, err
	}

	return h.peers.Resolve(conversationID)
}

// warmDialogs lists the most recent dialogs into the peer cache. Concurrent
// callers share one RPC.
func (h *History) warmDialogs(ctx context.Context) error {
	_, err, _ := h.dialogs.Do("dialogs", func() (any, error) {
		result, err := h.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      dialogsPage,
		})
		if err != nil {
			return nil, fmt.Errorf("get dialogs: %w", err)
		}
		if dialogs, ok := result.AsModified(); ok {
			h.peers.RememberEntities(dialogs.GetUsers(), dialogs.GetChats())
			h.logger.Debug("telegram dialogs cached",
				"chats", len(dialogs.GetChats()),
				"users", len(dialogs.GetUsers()),
			)
		}

		return nil, nil
	})

	return err
}
