package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/agri-assistant/internal/observability"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

// StoreConfig bounds the session store.
type StoreConfig struct {
	TTL         time.Duration // idle time before a session is swept
	MaxSessions int           // 0 = unlimited
}

// Store owns live sessions.
type Store struct {
	deps Deps
	cfg  StoreConfig
	now  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore(deps Deps, cfg StoreConfig) *Store {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Store{
		deps:     deps,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session with an empty location query.
func (st *Store) Create(lang string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cfg.MaxSessions > 0 && len(st.sessions) >= st.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	s := newSession(uuid.NewString(), lang, st.deps, st.now())
	st.sessions[s.id] = s
	observability.SessionsActive.Set(float64(len(st.sessions)))
	st.deps.Logger.Debug("session created", zap.String("session_id", s.id), zap.String("language", s.lang))
	return s, nil
}

// Get returns the session and marks it as seen.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch(st.now())
	return s, nil
}

// Delete closes and removes the session.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
		observability.SessionsActive.Set(float64(len(st.sessions)))
	}
	st.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.Close()
	return nil
}

// Sweep closes sessions idle for longer than the TTL and returns how many were removed.
func (st *Store) Sweep() int {
	if st.cfg.TTL <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.cfg.TTL)
	var expired []*Session

	st.mu.Lock()
	for id, s := range st.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, s)
			delete(st.sessions, id)
		}
	}
	observability.SessionsActive.Set(float64(len(st.sessions)))
	st.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		observability.SessionsExpiredTotal.Add(float64(len(expired)))
		st.deps.Logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CloseAll closes every session; used on shutdown.
func (st *Store) CloseAll() {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.sessions = make(map[string]*Session)
	observability.SessionsActive.Set(0)
	st.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
