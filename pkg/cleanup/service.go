// Package cleanup prunes finished background-task sessions past their
// retention window.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/orchestrator"
)

// Sessions is the slice of the session service the sweeper consumes.
type Sessions interface {
	List(ctx context.Context) []models.SessionSummary
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

// Config holds the sweep policy.
type Config struct {
	// TaskSessionTTL is how long a finished task session is kept after
	// its last activity. Zero disables the sweeper.
	TaskSessionTTL time.Duration

	// Interval between sweep passes.
	Interval time.Duration
}

// Service periodically deletes background-task sessions whose last
// activity predates the retention window. Only sessions tagged with a
// parent at spawn time qualify; user sessions are never touched. Sessions
// with an active run are skipped and picked up by a later pass.
type Service struct {
	cfg      Config
	sessions Sessions
	busy     func(sessionID string) bool
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the sweeper. busy reports whether a session has an
// active run; nil treats every session as idle.
func NewService(cfg Config, sessions Sessions, busy func(string) bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if busy == nil {
		busy = func(string) bool { return false }
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		busy:     busy,
		logger:   logger.With("component", "cleanup"),
		now:      time.Now,
	}
}

// Start launches the background sweep loop. A zero TTL leaves the
// service inert.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.cfg.TaskSessionTTL <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"task_session_ttl", s.cfg.TaskSessionTTL,
		"interval", s.cfg.Interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes every idle task session older than the retention cutoff.
// Deletes go through the session service so traces drop and the
// session.deleted lifecycle event publishes like any other deletion.
func (s *Service) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.TaskSessionTTL)

	var pruned int
	for _, sum := range s.sessions.List(ctx) {
		if sum.UpdatedAt.After(cutoff) || s.busy(sum.ID) {
			continue
		}
		sess, err := s.sessions.Get(ctx, sum.ID)
		if err != nil {
			continue // gone since listing
		}
		if _, ok := sess.Metadata[orchestrator.MetaParentSession]; !ok {
			continue
		}
		if err := s.sessions.Delete(ctx, sum.ID); err != nil {
			s.logger.Error("Retention: task session delete failed",
				"session_id", sum.ID, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("Retention: pruned finished task sessions", "count", pruned)
	}
}
