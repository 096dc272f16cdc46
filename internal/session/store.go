// ABOUTME: Arena of session records indexed by unguessable id.
// ABOUTME: Create, get, touch, terminate, and the periodic expiry sweep.

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// ID is an opaque session identifier with at least 128 bits of entropy.
type ID string

// DefaultLimits are applied for any zero-valued limit fields.
var DefaultLimits = Limits{
	TTL:        30 * time.Minute,
	MaxTTL:     4 * time.Hour,
	MaxPending: 32,
	MaxMembers: 16,
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Limits  Limits
	Journal Journal
	Logger  *slog.Logger
}

// Store holds all live sessions. The store lock guards only the arena map;
// each record carries its own mutex, so traffic on one session never
// blocks another.
type Store struct {
	mu       sync.RWMutex
	sessions map[ID]*Session

	limits  Limits
	journal Journal
	logger  *slog.Logger
}

// NewStore creates a session store.
func NewStore(cfg StoreConfig) *Store {
	limits := cfg.Limits
	if limits.TTL <= 0 {
		limits.TTL = DefaultLimits.TTL
	}
	if limits.MaxTTL <= 0 {
		limits.MaxTTL = DefaultLimits.MaxTTL
	}
	if limits.MaxPending <= 0 {
		limits.MaxPending = DefaultLimits.MaxPending
	}
	if limits.MaxMembers <= 0 {
		limits.MaxMembers = DefaultLimits.MaxMembers
	}
	journal := cfg.Journal
	if journal == nil {
		journal = NopJournal{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[ID]*Session),
		limits:   limits,
		journal:  journal,
		logger:   logger,
	}
}

// newID generates a 128-bit random identifier, hex encoded.
func newID() ID {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("session: reading random bytes: " + err.Error())
	}
	return ID(hex.EncodeToString(buf[:]))
}

// Create allocates a new session and registers it in the arena. An id
// collision means the random source is broken; that is an assertion
// failure, not a recoverable condition.
func (s *Store) Create(ctx context.Context) *Session {
	now := time.Now().UTC()
	sess := &Session{
		ID:        newID(),
		CreatedAt: now,
		limits:    s.limits,
		logger:    s.logger,
		expiresAt: now.Add(s.limits.TTL),
		grants:    make(map[string]Grant),
		members:   make(map[string]time.Time),
		pending:   make(map[string]*PendingRequest),
	}

	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		panic("session: id collision: " + string(sess.ID))
	}
	s.sessions[sess.ID] = sess
	total := len(s.sessions)
	s.mu.Unlock()

	if err := s.journal.SessionCreated(ctx, sess.ID, now); err != nil {
		s.logger.Warn("journal write failed", "session_id", sess.ID, "error", err)
	}

	s.logger.Info("=== SESSION CREATED ===",
		"session_id", sess.ID,
		"expires_at", sess.ExpiresAt(),
		"total_sessions", total,
	)
	return sess
}

// Get returns the session for an id, or ErrNotFound.
func (s *Store) Get(id ID) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch extends the session's expiry on activity.
func (s *Store) Touch(id ID) {
	if sess, err := s.Get(id); err == nil {
		sess.Touch(time.Now().UTC())
	}
}

// Terminate removes a session from the arena. Idempotent: the first caller
// gets the record back (true) and owns the cleanup of its pending requests
// and members; later callers get (nil, false).
func (s *Store) Terminate(ctx context.Context, id ID, reason string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if !ok || !sess.markTerminated() {
		return nil, false
	}

	now := time.Now().UTC()
	if err := s.journal.SessionTerminated(ctx, id, reason, now); err != nil {
		s.logger.Warn("journal write failed", "session_id", id, "error", err)
	}

	s.logger.Info("=== SESSION TERMINATED ===",
		"session_id", id,
		"reason", reason,
		"total_sessions", total,
	)
	return sess, true
}

// SweepExpired returns the ids of sessions whose expiry has passed. The
// caller terminates each; the sweep itself does not mutate.
func (s *Store) SweepExpired(now time.Time) []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []ID
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			expired = append(expired, id)
		}
	}
	return expired
}

// All returns a snapshot of the live sessions.
func (s *Store) All() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Journal exposes the injected journal so callers can record events that
// belong to them (capability changes are recorded by the router).
func (s *Store) Journal() Journal {
	return s.journal
}
