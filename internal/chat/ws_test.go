package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duochat/internal/user"
)

type wsFixture struct {
	hub   *Hub
	store *memStore
	url   string
}

// Pump goroutines outlive individual tests, so these use a no-op logger
// rather than zaptest.
func newWSFixture(t *testing.T, maxConns int, users ...user.Identity) *wsFixture {
	t.Helper()
	store := newMemStore(users...)
	hub := NewHub(store, newFakeAuth(users...), Options{
		MaxConnections: maxConns,
		StoreTimeout:   time.Second,
		Logger:         zap.NewNop(),
	})
	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, zap.NewNop()).ServeWs))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &wsFixture{
		hub:   hub,
		store: store,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// login dials and authenticates u, failing the test unless it succeeds.
func (f *wsFixture) login(t *testing.T, u user.Identity) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	sendFrame(t, conn, Inbound{Type: FrameAuth, Username: u.Username, Credential: "pw-" + u.Username})
	got := readUntil(t, conn, func(fr wsFrame) bool {
		return fr.Type == EventAuthSuccess || fr.Type == EventAuthError || fr.Type == EventError
	})
	if got.Type != EventAuthSuccess || got.User.ID != u.ID {
		t.Fatalf("login %s: got %+v", u.Username, got)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, in Inbound) {
	t.Helper()
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write %s: %v", in.Type, err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(wsFrame) bool {
	return func(f wsFrame) bool { return f.Type == typ }
}

// expectClose drains conn until the server closes it with code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, code) {
				t.Fatalf("expected close %d, got %v", code, err)
			}
			return
		}
	}
}

// collect reads until it has seen msgs new_message and updates
// conversations_updated frames, returning message contents in arrival order
// and the final summary push.
func collect(t *testing.T, conn *websocket.Conn, msgs, updates int) ([]string, wsFrame) {
	t.Helper()
	var contents []string
	var last wsFrame
	for len(contents) < msgs || updates > 0 {
		fr := readUntil(t, conn, func(fr wsFrame) bool {
			return fr.Type == EventNewMessage || fr.Type == EventConversationsUpdated
		})
		if fr.Type == EventNewMessage {
			contents = append(contents, fr.Message.Content)
			continue
		}
		last = fr
		updates--
	}
	return contents, last
}

func TestWebsocketTwoPartyExchange(t *testing.T) {
	f := newWSFixture(t, 20, alice, bob)
	a := f.login(t, alice)
	b := f.login(t, bob)

	sendFrame(t, a, Inbound{Type: FrameSendMessage, RecipientID: bob.ID, Content: "m1"})
	if got := readUntil(t, b, ofType(EventNewMessage)); got.Message.Content != "m1" || got.Message.SenderUsername != "alice" {
		t.Fatalf("bob: expected m1 from alice, got %+v", got.Message)
	}
	sendFrame(t, b, Inbound{Type: FrameSendMessage, RecipientID: alice.ID, Content: "m2"})

	// Every send refreshes both parties once.
	aliceSaw, aliceLast := collect(t, a, 2, 2)
	bobSaw, bobLast := collect(t, b, 1, 2)
	bobSaw = append([]string{"m1"}, bobSaw...)

	for name, seen := range map[string][]string{"alice": aliceSaw, "bob": bobSaw} {
		if len(seen) != 2 || seen[0] != "m1" || seen[1] != "m2" {
			t.Fatalf("%s: out of order %v", name, seen)
		}
	}
	for name, last := range map[string]wsFrame{"alice": aliceLast, "bob": bobLast} {
		if len(last.Conversations) != 1 || last.Conversations[0].LastMessage.Content != "m2" {
			t.Fatalf("%s: expected summary to show m2, got %+v", name, last.Conversations)
		}
	}

	// History comes back oldest first.
	sendFrame(t, b, Inbound{Type: FrameGetMessages, OtherUserID: alice.ID})
	hist := readUntil(t, b, ofType(EventMessages))
	if len(hist.Messages) != 2 || hist.Messages[0].Content != "m1" || hist.Messages[1].Content != "m2" {
		t.Fatalf("unexpected history %+v", hist.Messages)
	}
}

func TestWebsocketCapacity(t *testing.T) {
	users := make([]user.Identity, 21)
	for i := range users {
		users[i] = user.Identity{ID: i + 1, Username: fmt.Sprintf("user%02d", i+1)}
	}
	f := newWSFixture(t, 20, users...)

	conns := make([]*websocket.Conn, 20)
	for i := 0; i < 20; i++ {
		conns[i] = f.login(t, users[i])
	}

	extra := f.dial(t)
	sendFrame(t, extra, Inbound{Type: FrameAuth, Username: users[20].Username, Credential: "pw-" + users[20].Username})
	refused := readUntil(t, extra, ofType(EventError))
	if refused.Code != "capacity_exceeded" {
		t.Fatalf("expected capacity_exceeded, got %+v", refused)
	}
	expectClose(t, extra, CloseCapacityExceeded)
	if f.hub.Presence().IsOnline(users[20].ID) {
		t.Fatal("refused user must not be online")
	}

	// A registered user may reconnect at capacity; the old socket is closed.
	f.login(t, users[0])
	expectClose(t, conns[0], CloseSuperseded)
	if got := f.hub.Registry().Len(); got != 20 {
		t.Fatalf("expected 20 connections, got %d", got)
	}
	if !f.hub.Presence().IsOnline(users[0].ID) {
		t.Fatal("reconnected user should stay online")
	}
}

func TestWebsocketPresence(t *testing.T) {
	f := newWSFixture(t, 20, alice, bob, carol)
	a := f.login(t, alice)
	b := f.login(t, bob)
	f.login(t, carol)

	sendFrame(t, a, Inbound{Type: FrameJoinConversation, OtherUserID: bob.ID})
	got := readUntil(t, b, ofType(EventPresenceStatus))
	if got.UserID != alice.ID || got.Status != StatusInYourChat {
		t.Fatalf("bob should see alice in-your-chat, got %+v", got)
	}
	if s := f.hub.StatusOf(alice.ID, carol.ID, 0); s != StatusOnline {
		t.Fatalf("carol should see alice online, got %s", s)
	}

	// Switching conversations leaves the previous one.
	sendFrame(t, a, Inbound{Type: FrameJoinConversation, OtherUserID: carol.ID})
	got = readUntil(t, b, ofType(EventPresenceStatus))
	if got.UserID != alice.ID || got.Status != StatusOnline {
		t.Fatalf("bob should see alice back to online, got %+v", got)
	}

	a.Close()
	off := readUntil(t, b, func(fr wsFrame) bool {
		return fr.Type == EventPresenceUpdate && fr.UserID == alice.ID && fr.Status == StatusOffline
	})
	if off.Status != StatusOffline {
		t.Fatalf("unexpected %+v", off)
	}
}

func TestWebsocketProtocolErrors(t *testing.T) {
	f := newWSFixture(t, 20, alice, bob)
	conn := f.dial(t)

	sendFrame(t, conn, Inbound{Type: FrameSendMessage, RecipientID: bob.ID, Content: "hi"})
	if got := readUntil(t, conn, ofType(EventError)); got.Code != "not_authenticated" {
		t.Fatalf("expected not_authenticated, got %+v", got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readUntil(t, conn, ofType(EventError)); got.Code != "malformed_payload" {
		t.Fatalf("expected malformed_payload, got %+v", got)
	}

	// The connection survives both errors.
	sendFrame(t, conn, Inbound{Type: FramePing})
	readUntil(t, conn, ofType(EventPong))

	sendFrame(t, conn, Inbound{Type: FrameAuth, Username: "alice", Credential: "wrong"})
	if got := readUntil(t, conn, ofType(EventAuthError)); got.Code != "auth_failed" {
		t.Fatalf("expected auth_failed, got %+v", got)
	}
	sendFrame(t, conn, Inbound{Type: FrameAuth, Username: "alice", Credential: "pw-alice"})
	next := func(wsFrame) bool { return true }
	for _, want := range []string{EventAuthSuccess, EventConversationsList} {
		if got := readUntil(t, conn, next); got.Type != want {
			t.Fatalf("handshake: expected %s, got %s", want, got.Type)
		}
	}
	online := readUntil(t, conn, next)
	if online.Type != EventOnlineUsers {
		t.Fatalf("handshake: expected %s, got %s", EventOnlineUsers, online.Type)
	}
	if len(online.UserIDs) != 1 || online.UserIDs[0] != alice.ID {
		t.Fatalf("unexpected online users %v", online.UserIDs)
	}

	sendFrame(t, conn, Inbound{Type: FrameSendMessage, RecipientID: alice.ID, Content: "me"})
	if got := readUntil(t, conn, ofType(EventError)); got.Code != "invalid_recipient" {
		t.Fatalf("expected invalid_recipient, got %+v", got)
	}
	sendFrame(t, conn, Inbound{Type: FrameEditMessage, MessageID: 1, Content: "x"})
	if got := readUntil(t, conn, ofType(EventError)); got.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", got)
	}
	if f.store.count() != 0 {
		t.Fatal("nothing should have been stored")
	}
}
