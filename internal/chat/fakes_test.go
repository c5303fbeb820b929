package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"duochat/internal/user"
)

// memStore is an in-memory Store with the same visible semantics as the
// Postgres repository.
type memStore struct {
	mu         sync.Mutex
	nextID     int
	usernames  map[int]string
	messages   []Message
	read       map[int]bool
	saved      map[int]map[int]time.Time
	failCreate error
}

func newMemStore(users ...user.Identity) *memStore {
	s := &memStore{
		usernames: make(map[int]string),
		read:      make(map[int]bool),
		saved:     make(map[int]map[int]time.Time),
	}
	for _, u := range users {
		s.usernames[u.ID] = u.Username
	}
	return s
}

func (s *memStore) save(a, b int) {
	for _, p := range [][2]int{{a, b}, {b, a}} {
		if s.saved[p[0]] == nil {
			s.saved[p[0]] = make(map[int]time.Time)
		}
		if _, ok := s.saved[p[0]][p[1]]; !ok {
			s.saved[p[0]][p[1]] = time.Now()
		}
	}
}

func (s *memStore) CreateMessage(_ context.Context, senderID, recipientID int, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	if _, ok := s.usernames[recipientID]; !ok {
		return nil, ErrInvalidRecipient
	}
	s.nextID++
	msg := Message{
		ID:             s.nextID,
		Content:        content,
		SenderID:       senderID,
		RecipientID:    recipientID,
		SenderUsername: s.usernames[senderID],
		Timestamp:      time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	s.save(senderID, recipientID)
	return &msg, nil
}

func (s *memStore) GetConversationMessages(_ context.Context, a, b int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Message{}
	for _, m := range s.messages {
		if (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) GetConversations(_ context.Context, userID int) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := []ConversationSummary{}
	for otherID := range s.saved[userID] {
		c := ConversationSummary{OtherUserID: otherID, OtherUsername: s.usernames[otherID]}
		for i := range s.messages {
			m := s.messages[i]
			if !involves(m, userID) || !involves(m, otherID) {
				continue
			}
			c.LastMessage = &m
			if m.RecipientID == userID && !s.read[m.ID] {
				c.UnreadCount++
			}
		}
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool {
		return lastID(convs[i]) > lastID(convs[j])
	})
	return convs, nil
}

func involves(m Message, userID int) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

func lastID(c ConversationSummary) int {
	if c.LastMessage == nil {
		return 0
	}
	return c.LastMessage.ID
}

func (s *memStore) EditMessage(_ context.Context, messageID, editorID int, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			now := time.Now().UTC()
			s.messages[i].Content = content
			s.messages[i].EditedBy = &editorID
			s.messages[i].EditedAt = &now
			m := s.messages[i]
			return &m, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *memStore) DeleteMessage(_ context.Context, messageID int) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return &m, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *memStore) MarkRead(_ context.Context, readerID, otherID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.RecipientID == readerID && m.SenderID == otherID {
			s.read[m.ID] = true
		}
	}
	return nil
}

func (s *memStore) SaveConversation(_ context.Context, a, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[b]; !ok {
		return ErrInvalidRecipient
	}
	s.save(a, b)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeConn records everything delivered to it.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (c *fakeConn) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

// wsFrame decodes any outbound event.
type wsFrame struct {
	Type          string                `json:"type"`
	Code          string                `json:"code"`
	User          user.Identity         `json:"user"`
	Message       *Message              `json:"message"`
	MessageID     int                   `json:"messageId"`
	Messages      []Message             `json:"messages"`
	Conversations []ConversationSummary `json:"conversations"`
	UserID        int                   `json:"userId"`
	UserIDs       []int                 `json:"userIds"`
	Status        Status                `json:"status"`
}

func (c *fakeConn) decoded(t *testing.T) []wsFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wsFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f wsFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) ofType(t *testing.T, typ string) []wsFrame {
	t.Helper()
	var out []wsFrame
	for _, f := range c.decoded(t) {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// fakeAuth accepts username/password pairs it was given.
type fakeAuth struct {
	users     map[string]user.Identity
	passwords map[string]string
}

func newFakeAuth(users ...user.Identity) *fakeAuth {
	a := &fakeAuth{users: make(map[string]user.Identity), passwords: make(map[string]string)}
	for _, u := range users {
		a.users[u.Username] = u
		a.passwords[u.Username] = "pw-" + u.Username
	}
	return a
}

func (a *fakeAuth) VerifyCredential(_ context.Context, username, credential string) (user.Identity, error) {
	u, ok := a.users[username]
	if !ok || a.passwords[username] != credential {
		return user.Identity{}, user.ErrInvalidCredentials
	}
	return u, nil
}

var errStoreDown = errors.New("store down")

var (
	alice = user.Identity{ID: 1, Username: "alice"}
	bob   = user.Identity{ID: 2, Username: "bob"}
	carol = user.Identity{ID: 3, Username: "carol"}
	admin = user.Identity{ID: 9, Username: "root", IsAdmin: true}
)
