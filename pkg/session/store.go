// Package session holds the in-memory session and message store. Sessions
// are process-local: there is no durable backing, and all state is lost on
// restart. Callers always receive deep copies; internal pointers never
// escape the store.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-works/praxis/pkg/models"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrMessageNotFound is returned when appending parts to an unknown message.
var ErrMessageNotFound = errors.New("message not found")

// ErrDuplicateMessage is returned when a message id is reused within a session.
var ErrDuplicateMessage = errors.New("duplicate message id")

// Store is the in-memory session store. All methods are safe for
// concurrent use; every mutation bumps the session's UpdatedAt.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
	}
}

// Create adds a new session. When id is empty a UUID is generated. When a
// caller-supplied id already exists the call is idempotent and returns the
// existing session unchanged.
func (s *Store) Create(title, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if existing, ok := s.sessions[id]; ok {
			return existing.Clone(), nil
		}
	} else {
		id = uuid.New().String()
	}

	now := time.Now()
	sess := &models.Session{
		ID:        id,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []models.Message{},
	}
	s.sessions[id] = sess
	return sess.Clone(), nil
}

// Get retrieves a session by id.
func (s *Store) Get(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

// Has reports whether a session exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// List returns session summaries sorted by UpdatedAt descending.
func (s *Store) List() []models.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// Update applies a patch to the session's mutable fields.
func (s *Store) Update(id string, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if patch.Title != nil {
		sess.Title = *patch.Title
	}
	if patch.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			sess.Metadata[k] = v
		}
	}
	s.touchLocked(sess)
	return sess.Clone(), nil
}

// AppendMessage appends a message to the session log. A missing message id
// is generated; a duplicate id within the session is rejected.
func (s *Store) AppendMessage(sessionID string, msg models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	} else {
		for i := range sess.Messages {
			if sess.Messages[i].ID == msg.ID {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
			}
		}
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	stored := msg.Clone()
	sess.Messages = append(sess.Messages, stored)
	s.touchLocked(sess)
	out := stored.Clone()
	return &out, nil
}

// AppendParts appends parts to an existing message, preserving emission
// order.
func (s *Store) AppendParts(sessionID, messageID string, parts ...models.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages[i].Parts = append(sess.Messages[i].Parts, parts...)
			s.touchLocked(sess)
			return nil
		}
	}
	return fmt.Errorf("%w: %s in session %s", ErrMessageNotFound, messageID, sessionID)
}

// History returns the session's ordered message log.
func (s *Store) History(sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]models.Message, len(sess.Messages))
	for i := range sess.Messages {
		out[i] = sess.Messages[i].Clone()
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// touchLocked bumps UpdatedAt, keeping it monotonically non-decreasing.
// Callers must hold the write lock.
func (s *Store) touchLocked(sess *models.Session) {
	now := time.Now()
	if now.After(sess.UpdatedAt) {
		sess.UpdatedAt = now
	}
}
