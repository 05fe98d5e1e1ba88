package telegram

import (
	"fmt"
	"strconv"
	"sync"

	"wordtally/pkg/tally"

	"github.com/gotd/td/tg"
)

// PeerCache stores Telegram input peers and titles discovered from inbound
// updates and dialog listings, keyed by conversation ID.
//
// History requests need an input peer carrying an access hash, which
// Telegram only hands out alongside updates or dialogs.
type PeerCache struct {
	mu     sync.RWMutex
	byChat map[string]cachedPeer
}

type cachedPeer struct {
	peer  tg.InputPeerClass
	title string
	kind  tally.ConversationType
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{byChat: make(map[string]cachedPeer)}
}

// RememberEnvelope ingests entity data attached to one gotd update envelope.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	c.rememberEntities(envelope.usersByID, envelope.chatsByID)
}

// RememberEntities ingests raw user and chat lists, as returned by history
// and dialog RPCs.
func (c *PeerCache) RememberEntities(users []tg.UserClass, chats []tg.ChatClass) {
	c.rememberEntities(indexGotdUsers(users), indexGotdChats(chats))
}

func (c *PeerCache) rememberEntities(users map[int64]*tg.User, chats map[int64]gotdChatInfo) {
	if c == nil || (len(users) == 0 && len(chats) == 0) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, user := range users {
		if user == nil {
			continue
		}
		if peer := user.AsInputPeer(); peer != nil {
			c.byChat[strconv.FormatInt(userID, 10)] = cachedPeer{
				peer:  cloneInputPeer(peer),
				title: userDisplayName(user),
				kind:  tally.ConversationTypePrivate,
			}
		}
	}
	for chatID, chat := range chats {
		if chat.inputPeer == nil {
			continue
		}
		c.byChat[strconv.FormatInt(chatID, 10)] = cachedPeer{
			peer:  cloneInputPeer(chat.inputPeer),
			title: chat.title,
			kind:  chat.kind,
		}
	}
}

// Remember stores one explicit conversation-to-peer mapping. An empty
// title keeps the previously known one.
func (c *PeerCache) Remember(chat ChatRef, peer tg.InputPeerClass) {
	if c == nil || peer == nil || chat.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cachedPeer{peer: cloneInputPeer(peer), title: chat.Title, kind: chat.Type}
	if entry.title == "" {
		entry.title = c.byChat[chat.ID].title
	}
	c.byChat[chat.ID] = entry
}

// Resolve returns the input peer of a conversation.
func (c *PeerCache) Resolve(conversationID string) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	if conversationID == "" {
		return nil, fmt.Errorf("resolve peer: empty conversation id")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byChat[conversationID]
	if !ok {
		return nil, fmt.Errorf("resolve peer: conversation %s not found", conversationID)
	}

	return cloneInputPeer(entry.peer), nil
}

// Title returns the last known title of a conversation.
func (c *PeerCache) Title(conversationID string) (string, bool) {
	if c == nil {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byChat[conversationID]
	if !ok || entry.title == "" {
		return "", false
	}

	return entry.title, true
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChat:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChannel:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerSelf:
		copyPeer := *typed
		return &copyPeer
	default:
		return peer
	}
}
