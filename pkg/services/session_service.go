package services

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/session"
)

const (
	maxTitleLength = 500
	maxIDLength    = 128
)

// Publisher emits lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// TraceDropper discards recorded spans when their session goes away.
type TraceDropper interface {
	Drop(traceID string)
}

// SessionService manages session lifecycle: every mutation goes through the
// store and publishes the matching session.* event.
type SessionService struct {
	store  *session.Store
	bus    Publisher
	traces TraceDropper
	logger *slog.Logger
}

// NewSessionService creates a new SessionService. traces may be nil when no
// span recorder is installed.
func NewSessionService(store *session.Store, bus Publisher, traces TraceDropper, logger *slog.Logger) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionService{
		store:  store,
		bus:    bus,
		traces: traces,
		logger: logger.With("component", "sessions"),
	}
}

// CreateSessionRequest carries the client-supplied session fields. Both are
// optional: a missing id is generated, a missing title stays empty until
// the first query names the session.
type CreateSessionRequest struct {
	Title string `json:"title"`
	ID    string `json:"id"`
}

// Create adds a session and publishes session.created. Re-creating an
// existing id is idempotent and returns the stored session without a second
// lifecycle event.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest) (*models.Session, error) {
	if err := validateTitle(req.Title); err != nil {
		return nil, err
	}
	if err := validateID(req.ID); err != nil {
		return nil, err
	}

	if req.ID != "" && s.store.Has(req.ID) {
		return s.store.Get(req.ID)
	}

	sess, err := s.store.Create(strings.TrimSpace(req.Title), req.ID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventTypeSessionCreated, sess.ID, events.SessionLifecyclePayload{
		SessionID: sess.ID,
		Title:     sess.Title,
	})
	s.logger.Info("session created", "session_id", sess.ID, "title", sess.Title)
	return sess, nil
}

// Get retrieves a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.Get(id)
}

// List returns session summaries sorted by most recent activity.
func (s *SessionService) List(ctx context.Context) []models.SessionSummary {
	return s.store.List()
}

// Update patches the session's mutable fields and publishes session.updated.
func (s *SessionService) Update(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(*patch.Title)
		patch.Title = &trimmed
	}

	sess, err := s.store.Update(id, patch)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventTypeSessionUpdated, sess.ID, events.SessionLifecyclePayload{
		SessionID: sess.ID,
		Title:     sess.Title,
	})
	return sess, nil
}

// Delete removes a session, drops its recorded spans, and publishes
// session.deleted.
func (s *SessionService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}

	if s.traces != nil {
		s.traces.Drop(id)
	}
	s.publish(ctx, events.EventTypeSessionDeleted, id, events.SessionLifecyclePayload{
		SessionID: id,
	})
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Messages returns the session's ordered message log.
func (s *SessionService) Messages(ctx context.Context, id string) ([]models.Message, error) {
	return s.store.History(id)
}

// publish sends one lifecycle event, logging failures instead of
// propagating them: the state change has already happened.
func (s *SessionService) publish(ctx context.Context, eventType, sessionID string, payload any) {
	err := s.bus.Publish(ctx, events.Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Warn("lifecycle event publish failed",
			"event_type", eventType, "session_id", sessionID, "error", err)
	}
}

func validateTitle(title string) error {
	if len(title) > maxTitleLength {
		return NewValidationError("title", "too long")
	}
	return nil
}

// validateID rejects caller-supplied ids that would not survive being used
// in URLs and trace keys. Empty is fine; the store generates one.
func validateID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > maxIDLength {
		return NewValidationError("id", "too long")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || r == '/' {
			return NewValidationError("id", "must not contain whitespace or '/'")
		}
	}
	return nil
}
