package txn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaborage/go-datalayer/logger"
	"github.com/gaborage/go-datalayer/store"
)

type frameKind int

const (
	kindTransaction frameKind = iota
	kindSavepoint
)

// frame is one level of the nested-transaction stack.
type frame struct {
	kind      frameKind
	label     string
	startedAt time.Time
	timeout   time.Duration
}

// Session drives nested transactions on a single store connection. Depth 0
// is idle; the first Begin issues a real BEGIN, deeper Begins issue named
// savepoints. Sessions are created by the Manager and must not outlive the
// connection they are bound to.
//
// Invariant: depth always equals the stack length. A disagreement means the
// session state is corrupted; RecoverDepth is the only way back to depth 0.
type Session struct {
	client store.Client
	log    logger.Logger

	mu    sync.Mutex
	depth int
	stack []frame

	defaultTimeout       time.Duration
	depthInconsistencies *atomic.Int64 // shared counter owned by the Manager
}

func newSession(client store.Client, log logger.Logger, defaultTimeout time.Duration, inconsistencies *atomic.Int64) *Session {
	return &Session{
		client:               client,
		log:                  logger.OrDisabled(log),
		defaultTimeout:       defaultTimeout,
		depthInconsistencies: inconsistencies,
	}
}

// Client returns the session's underlying store connection so callers can run
// statements inside the transaction.
func (s *Session) Client() store.Client {
	return s.client
}

// Depth returns the current nesting depth.
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Begin opens a transaction, or a savepoint when one is already open, with
// the session's default timeout.
func (s *Session) Begin(ctx context.Context) error {
	return s.BeginWithTimeout(ctx, s.defaultTimeout)
}

// BeginWithTimeout opens a transaction or savepoint with an explicit budget.
// The budget is checked at commit time, not enforced asynchronously.
func (s *Session) BeginWithTimeout(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statement, label string
	kind := kindTransaction
	if s.depth == 0 {
		statement = "BEGIN"
	} else {
		kind = kindSavepoint
		label = fmt.Sprintf("sp_%d", s.depth)
		statement = "SAVEPOINT " + label
	}

	if _, err := s.client.Execute(ctx, statement); err != nil {
		return &BeginError{Depth: s.depth, Err: err}
	}

	s.stack = append(s.stack, frame{
		kind:      kind,
		label:     label,
		startedAt: time.Now(),
		timeout:   timeout,
	})
	s.depth++
	return s.checkInvariantLocked()
}

// Commit closes the innermost frame: COMMIT at depth 1, RELEASE SAVEPOINT
// deeper. If the frame's budget has elapsed, Commit rolls the frame back and
// returns a TimeoutError instead of committing.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		return ErrNoTransaction
	}

	top := s.stack[s.depth-1]
	if top.timeout > 0 {
		if elapsed := time.Since(top.startedAt); elapsed > top.timeout {
			timeoutErr := &TimeoutError{Elapsed: elapsed, Timeout: top.timeout}
			if err := s.rollbackTopLocked(ctx); err != nil {
				s.log.Error().Err(err).Msg("Rollback after transaction timeout failed")
			}
			return timeoutErr
		}
	}

	var statement string
	if s.depth == 1 {
		statement = "COMMIT"
	} else {
		statement = "RELEASE SAVEPOINT " + top.label
	}

	if _, err := s.client.Execute(ctx, statement); err != nil {
		return &CommitError{Depth: s.depth, Err: err}
	}

	s.stack = s.stack[:s.depth-1]
	s.depth--
	return s.checkInvariantLocked()
}

// Rollback undoes the innermost frame: full ROLLBACK at depth 1, ROLLBACK TO
// SAVEPOINT deeper. A failure during rollback force-resets the session to
// depth 0 — that is a safety valve, and the error still surfaces.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 {
		return ErrNoTransaction
	}

	if err := s.rollbackTopLocked(ctx); err != nil {
		return err
	}
	return s.checkInvariantLocked()
}

// rollbackTopLocked issues the rollback statement for the innermost frame.
// mu held.
func (s *Session) rollbackTopLocked(ctx context.Context) error {
	top := s.stack[s.depth-1]

	var statement string
	if s.depth == 1 {
		statement = "ROLLBACK"
	} else {
		statement = "ROLLBACK TO SAVEPOINT " + top.label
	}

	if _, err := s.client.Execute(ctx, statement); err != nil {
		depth := s.depth
		s.forceResetLocked()
		return &RollbackError{Depth: depth, Err: err}
	}

	s.stack = s.stack[:s.depth-1]
	s.depth--
	return nil
}

// Execute begins a frame, runs fn, and commits; on any error from fn it rolls
// back and re-surfaces fn's original error. Nesting Execute calls nests
// savepoints.
func (s *Session) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			s.log.Error().
				Err(rbErr).
				Str("cause", err.Error()).
				Msg("Rollback after failed transaction body also failed")
		}
		return err
	}

	if err := s.Commit(ctx); err != nil {
		// A plain commit failure may leave the frame open; unwind it so the
		// connection goes back to the pool clean. Timeout errors already
		// rolled back.
		if s.Depth() > 0 {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				s.log.Error().Err(rbErr).Msg("Rollback after failed commit also failed")
			}
		}
		return err
	}
	return nil
}

// ValidateDepth verifies the stack-length invariant without changing state.
func (s *Session) ValidateDepth() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth != len(s.stack) || s.depth < 0 {
		return ErrDepthCorrupted
	}
	return nil
}

// RecoverDepth unwinds any remaining frames best-effort, then force-resets
// the session to depth 0. It is safe to call on a healthy session.
func (s *Session) RecoverDepth(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.depth == 0 && len(s.stack) == 0 {
		return
	}

	// A single full ROLLBACK discards every savepoint along with the
	// enclosing transaction.
	if _, err := s.client.Execute(ctx, "ROLLBACK"); err != nil {
		s.log.Warn().Err(err).Int("depth", s.depth).Msg("Best-effort rollback during depth recovery failed")
	}
	s.forceResetLocked()
}

// forceResetLocked clears all transaction state and counts the incident.
// mu held.
func (s *Session) forceResetLocked() {
	s.stack = nil
	s.depth = 0
	if s.depthInconsistencies != nil {
		s.depthInconsistencies.Add(1)
	}
}

// checkInvariantLocked force-resets and reports corruption if depth and stack
// disagree. mu held.
func (s *Session) checkInvariantLocked() error {
	if s.depth != len(s.stack) || s.depth < 0 {
		s.log.Error().
			Int("depth", s.depth).
			Int("stack", len(s.stack)).
			Msg("Transaction depth inconsistency detected, force-resetting")
		s.forceResetLocked()
		return ErrDepthCorrupted
	}
	return nil
}
