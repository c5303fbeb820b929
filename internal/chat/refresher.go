package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Refresher recomputes a user's conversation list from the store and pushes
// it to that user's connection. Lists are always re-derived in full, never
// patched, so calling it redundantly is safe.
type Refresher struct {
	store    Store
	registry *Registry
	delay    time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu    sync.Mutex
	locks map[int]*userLock
}

// userLock is held for one user's in-flight refreshes and dropped once the
// last of them finishes.
type userLock struct {
	sync.Mutex
	refs int
}

func NewRefresher(store Store, registry *Registry, delay, timeout time.Duration, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Refresher{
		store:    store,
		registry: registry,
		delay:    delay,
		timeout:  timeout,
		log:      log,
		locks:    make(map[int]*userLock),
	}
}

// lock serializes refreshes for one user so a list computed earlier is
// never pushed after one computed later.
func (r *Refresher) lock(userID int) {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
}

func (r *Refresher) unlock(userID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.locks[userID]
	l.Unlock()
	if l.refs--; l.refs == 0 {
		delete(r.locks, userID)
	}
}

// pending reports how many users have a refresh in flight or queued.
func (r *Refresher) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Refresh recomputes userID's summaries and, if the user is connected,
// pushes them as conversations_updated.
func (r *Refresher) Refresh(ctx context.Context, userID int) ([]ConversationSummary, error) {
	r.lock(userID)
	defer r.unlock(userID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	convs, err := r.store.GetConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	if conn, ok := r.registry.Get(userID); ok {
		frame, err := json.Marshal(ConversationsEvent{Type: EventConversationsUpdated, Conversations: convs})
		if err != nil {
			return nil, err
		}
		conn.Deliver(frame)
	}
	return convs, nil
}

// Schedule refreshes userID now and once more after the configured delay
// to absorb persistence lag. Failures are logged, not returned.
func (r *Refresher) Schedule(userID int) {
	r.refreshLogged(userID)
	if r.delay > 0 {
		time.AfterFunc(r.delay, func() { r.refreshLogged(userID) })
	}
}

func (r *Refresher) refreshLogged(userID int) {
	if _, err := r.Refresh(context.Background(), userID); err != nil {
		r.log.Warn("refresh conversations", zap.Int("user_id", userID), zap.Error(err))
	}
}
