// Package session keeps the live page sessions of the web front end. Each
// session owns one conversation store, the product selection of its result
// grid and the websocket connections watching it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/events"
)

var ErrSessionNotFound = errors.New("session: not found")

// Publisher receives an update for every state change of a session.
type Publisher interface {
	Publish(ctx context.Context, u events.Update) error
}

// Session is one page session.
type Session struct {
	ID        string
	Store     *conversation.Store
	Selection *SelectionSet
	Pool      *ConnectionPool
	Created   time.Time

	mu           sync.Mutex
	lastActivity time.Time
	now          func() time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SendQuery clears the product selection and runs q on the session store.
func (s *Session) SendQuery(ctx context.Context, q conversation.Query) (*conversation.BotMessage, error) {
	if q.Empty() {
		return nil, conversation.ErrEmptyQuery
	}
	if s.Store.Busy() {
		return nil, conversation.ErrBusy
	}
	s.Selection.Clear()
	return s.Store.SendQuery(ctx, q)
}

// Options are the per-session search settings a client may override.
type Options struct {
	TopK          int     `json:"top_k,omitempty"`
	ConfThreshold float64 `json:"conf_t,omitempty"`
	Source        string  `json:"source,omitempty"`
}

// Manager stores all live sessions.
type Manager struct {
	gw        conversation.Gateway
	defaults  conversation.Options
	publisher Publisher
	now       func() time.Time

	mu            sync.Mutex
	sessions      map[string]*Session
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
	onEvict       func(n int)
}

type ManagerOption func(*Manager)

// WithPublisher routes session updates to p.
func WithPublisher(p Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithEvictionObserver is called with the number of sessions dropped by
// every eviction sweep that dropped any.
func WithEvictionObserver(f func(n int)) ManagerOption {
	return func(m *Manager) { m.onEvict = f }
}

// WithClock overrides time.Now for activity tracking.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(gw conversation.Gateway, defaults conversation.Options, opts ...ManagerOption) *Manager {
	m := &Manager{
		gw:       gw,
		defaults: defaults,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create starts a new page session.
func (m *Manager) Create(o Options) *Session {
	id := uuid.NewString()
	sess := &Session{
		ID:        id,
		Selection: NewSelectionSet(),
		Pool:      NewConnectionPool(id),
		Created:   m.now(),
		now:       m.now,
	}
	sess.lastActivity = sess.Created

	storeOpts := m.defaults
	if o.TopK > 0 {
		storeOpts.TopK = o.TopK
	}
	if o.ConfThreshold > 0 {
		storeOpts.ConfThreshold = o.ConfThreshold
	}
	if o.Source != "" {
		storeOpts.Source = o.Source
	}
	storeOpts.Notifier = func(e conversation.Event) {
		sess.touch()
		m.publish(sess.ID, string(e.Op), e.MessageID)
	}
	sess.Store = conversation.NewStore(m.gw, storeOpts)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	log.Info().Str("component", "session").Str("session_id", id).Msg("session created")
	return sess
}

// Get returns a live session and marks it active.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.touch()
	return sess, nil
}

// Lookup returns a live session without touching its activity time.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Delete ends a session and closes its websocket connections.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Pool.CloseAll()
	log.Info().Str("component", "session").Str("session_id", id).Msg("session ended")
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Touch publishes a change that did not go through the store, such as a
// selection toggle.
func (m *Manager) Touch(sess *Session, kind string) {
	sess.touch()
	m.publish(sess.ID, kind, "")
}

func (m *Manager) publish(sessionID, kind, messageID string) {
	if m.publisher == nil {
		return
	}
	u := events.Update{SessionID: sessionID, Kind: kind, MessageID: messageID}
	if err := m.publisher.Publish(context.Background(), u); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("session_id", sessionID).Str("kind", kind).Msg("publish session update failed")
	}
}
