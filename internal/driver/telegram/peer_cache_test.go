package telegram

import (
	"fmt"
	"testing"

	"wordtally/pkg/tally"

	"github.com/gotd/td/tg"
)

func TestPeerCacheRememberEnvelopeAndResolve(t *testing.T) {
	t.Parallel()

	user := &tg.User{ID: 7, FirstName: "Ada"}
	user.SetAccessHash(77)

	cache := NewPeerCache()
	cache.RememberEnvelope(gotdUpdateEnvelope{
		usersByID: map[int64]*tg.User{7: user},
		chatsByID: map[int64]gotdChatInfo{
			10: {
				title:     "basic group",
				kind:      tally.ConversationTypeGroup,
				inputPeer: &tg.InputPeerChat{ChatID: 10},
			},
			20: {
				title:     "megagroup",
				kind:      tally.ConversationTypeGroup,
				inputPeer: &tg.InputPeerChannel{ChannelID: 20, AccessHash: 2020},
			},
			30: {kind: tally.ConversationTypeChannel},
		},
	})

	tests := []struct {
		name      string
		id        string
		wantType  string
		wantTitle string
		wantErr   bool
	}{
		{name: "private user", id: "7", wantType: "*tg.InputPeerUser", wantTitle: "Ada"},
		{name: "basic group", id: "10", wantType: "*tg.InputPeerChat", wantTitle: "basic group"},
		{name: "megagroup", id: "20", wantType: "*tg.InputPeerChannel", wantTitle: "megagroup"},
		{name: "chat without input peer", id: "30", wantErr: true},
		{name: "unknown conversation", id: "999", wantErr: true},
		{name: "empty id", id: "", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peer, err := cache.Resolve(testCase.id)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := fmt.Sprintf("%T", peer); got != testCase.wantType {
				t.Fatalf("peer type = %s, want %s", got, testCase.wantType)
			}
			if title, _ := cache.Title(testCase.id); title != testCase.wantTitle {
				t.Fatalf("title = %q, want %q", title, testCase.wantTitle)
			}
		})
	}
}

func TestPeerCacheRememberKeepsKnownTitle(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.RememberEntities(nil, []tg.ChatClass{
		&tg.Channel{ID: 55, AccessHash: 555, Title: "night owls", Megagroup: true},
	})
	cache.Remember(
		ChatRef{ID: "55", Type: tally.ConversationTypeGroup},
		&tg.InputPeerChannel{ChannelID: 55, AccessHash: 556},
	)

	peer, err := cache.Resolve("55")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok || channel.AccessHash != 556 {
		t.Fatalf("peer = %#v, want channel with access hash 556", peer)
	}
	if title, ok := cache.Title("55"); !ok || title != "night owls" {
		t.Fatalf("title = %q, %v; want night owls", title, ok)
	}
}

func TestPeerCacheResolveReturnsCopies(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.Remember(ChatRef{ID: "10"}, &tg.InputPeerChat{ChatID: 10})

	first, err := cache.Resolve("10")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	first.(*tg.InputPeerChat).ChatID = 99

	second, err := cache.Resolve("10")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := second.(*tg.InputPeerChat).ChatID; got != 10 {
		t.Fatalf("chat id = %d, want 10", got)
	}
	if _, ok := cache.Title("10"); ok {
		t.Fatal("expected no title for untitled chat")
	}
}
