package chat

import (
	"sort"
	"sync"
)

// Status is a user's presence as observed by another user.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusOnline     Status = "online"
	StatusInYourChat Status = "in-your-chat"
)

// ConversationKey identifies a two-party conversation independent of
// argument order.
type ConversationKey struct {
	Low, High int
}

func KeyOf(a, b int) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Low: a, High: b}
}

// Presence tracks who is online and who is actively viewing which
// conversation. It is rebuilt from scratch on restart.
//
// A user appears in an active set only while online; SetOffline clears
// every active set the user was in. Operations on users that are not
// online are no-ops.
type Presence struct {
	mu     sync.RWMutex
	online map[int]struct{}
	active map[ConversationKey]map[int]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		online: make(map[int]struct{}),
		active: make(map[ConversationKey]map[int]struct{}),
	}
}

func (p *Presence) SetOnline(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = struct{}{}
}

func (p *Presence) SetOffline(userID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.online, userID)
	for key, users := range p.active {
		delete(users, userID)
		if len(users) == 0 {
			delete(p.active, key)
		}
	}
}

// ClearActive removes userID from every active set while leaving it online,
// and returns the partners of the conversations it was viewing.
func (p *Presence) ClearActive(userID int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var partners []int
	for key, users := range p.active {
		if _, ok := users[userID]; !ok {
			continue
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(p.active, key)
		}
		if key.Low == userID {
			partners = append(partners, key.High)
		} else {
			partners = append(partners, key.Low)
		}
	}
	sort.Ints(partners)
	return partners
}

// JoinConversation marks activeUserID as viewing the conversation between
// userA and userB. It reports whether anything changed.
func (p *Presence) JoinConversation(userA, userB, activeUserID int) bool {
	if activeUserID != userA && activeUserID != userB {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.online[activeUserID]; !ok {
		return false
	}
	key := KeyOf(userA, userB)
	users, ok := p.active[key]
	if !ok {
		users = make(map[int]struct{})
		p.active[key] = users
	}
	if _, already := users[activeUserID]; already {
		return false
	}
	users[activeUserID] = struct{}{}
	return true
}

// LeaveConversation reverses JoinConversation and reports whether
// activeUserID was present.
func (p *Presence) LeaveConversation(userA, userB, activeUserID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := KeyOf(userA, userB)
	users, ok := p.active[key]
	if !ok {
		return false
	}
	if _, present := users[activeUserID]; !present {
		return false
	}
	delete(users, activeUserID)
	if len(users) == 0 {
		delete(p.active, key)
	}
	return true
}

// StatusOf reports subjectID's presence as seen by viewerID. viewingPartnerID
// is the user whose conversation the viewer currently has open, or zero when
// unknown; a viewer looking at a different conversation never sees
// in-your-chat.
func (p *Presence) StatusOf(subjectID, viewerID, viewingPartnerID int) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.online[subjectID]; !ok {
		return StatusOffline
	}
	if viewingPartnerID != 0 && viewingPartnerID != subjectID {
		return StatusOnline
	}
	if _, ok := p.active[KeyOf(viewerID, subjectID)][subjectID]; ok {
		return StatusInYourChat
	}
	return StatusOnline
}

func (p *Presence) IsOnline(userID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online user IDs in ascending order.
func (p *Presence) Online() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ActiveIn returns who is currently viewing the conversation between a and b.
func (p *Presence) ActiveIn(a, b int) []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := p.active[KeyOf(a, b)]
	ids := make([]int, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
