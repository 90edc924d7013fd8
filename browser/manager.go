package browser

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/scrape-flow/workflow"
)

// Manager scopes a session to a function call.
type Manager struct {
	opener Opener
	logger *zap.Logger
}

// NewManager returns a manager that opens sessions with opener.
func NewManager(opener Opener, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{opener: opener, logger: logger.Named("session")}
}

// WithSession opens a session, runs fn and closes the session exactly once
// whether fn returns, fails, panics or is cancelled. An error from fn takes
// precedence over a close failure.
func (m *Manager) WithSession(ctx context.Context, opts workflow.DriverOptions, fn func(ctx context.Context, s Session) error) (err error) {
	s, err := m.opener.Open(ctx, opts)
	if err != nil {
		var derr *workflow.DriverError
		if !errors.As(err, &derr) {
			err = &workflow.DriverError{Op: "open", Err: err}
		}
		return err
	}
	defer func() {
		closeErr := s.Close()
		if closeErr == nil {
			return
		}
		if err != nil {
			m.logger.Warn("Session close failed after run error", zap.Error(closeErr))
			return
		}
		var derr *workflow.DriverError
		if !errors.As(closeErr, &derr) {
			closeErr = &workflow.DriverError{Op: "close", Err: closeErr}
		}
		err = closeErr
	}()
	return fn(ctx, s)
}
