// Package session tracks the lifecycle of analysis sessions. Each
// session owns one sandbox interpreter provisioned asynchronously with
// a private copy of its dataset; the registry bounds concurrent
// provisioning, gates one query run at a time per session, and reaps
// idle sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/dataset"
	"github.com/quarrylabs/quarry/internal/sandbox"
)

var (
	// ErrNotFound is returned for lookups of unknown or destroyed
	// sessions. Sessions whose provisioning failed are discarded and
	// report the same way.
	ErrNotFound = errors.New("session not found")

	// ErrRunInProgress is returned by BeginRun while another query is
	// still running for the session.
	ErrRunInProgress = errors.New("a query is already running for this session")
)

// ProvisioningError wraps any failure to bring a session's sandbox up,
// including readiness timeouts.
type ProvisioningError struct {
	SessionID string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("session %s: provisioning failed: %v", e.SessionID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Interpreter is the slice of a sandbox instance the session layer and
// the query engine use. *sandbox.Instance satisfies it.
type Interpreter interface {
	Load(ctx context.Context, path, name string) error
	Info(ctx context.Context) (sandbox.DatasetInfo, error)
	Exec(ctx context.Context, code string, timeout time.Duration) (sandbox.ExecutionResult, error)
	Interrupt() error
	Alive() bool
	Close() error
}

// Launcher starts one interpreter per session inside workdir.
type Launcher interface {
	Launch(ctx context.Context, sessionID, workdir string) (Interpreter, error)
}

// LaunchFunc adapts a function to the Launcher interface.
type LaunchFunc func(ctx context.Context, sessionID, workdir string) (Interpreter, error)

func (f LaunchFunc) Launch(ctx context.Context, sessionID, workdir string) (Interpreter, error) {
	return f(ctx, sessionID, workdir)
}

// Turn is one completed query/answer exchange.
type Turn struct {
	Query  string    `json:"query"`
	Answer string    `json:"answer"`
	At     time.Time `json:"at"`
}

// Info is a point-in-time view of a session for listings and detail
// endpoints.
type Info struct {
	ID          string               `json:"session_id"`
	Dataset     string               `json:"dataset"`
	Fingerprint string               `json:"fingerprint,omitempty"`
	Ready       bool                 `json:"ready"`
	Running     bool                 `json:"running"`
	Turns       int                  `json:"turns"`
	CreatedAt   time.Time            `json:"created_at"`
	LastActive  time.Time            `json:"last_active"`
	Rows        int                  `json:"rows,omitempty"`
	Columns     []sandbox.ColumnInfo `json:"columns,omitempty"`
}

// Session is a single conversation bound to one dataset and one
// interpreter. ID, Dataset and CreatedAt are immutable after Create.
type Session struct {
	ID        string
	Dataset   dataset.Dataset
	CreatedAt time.Time

	readyCh   chan struct{}
	destroyCh chan struct{}

	mu           sync.Mutex
	ready        bool
	destroyed    bool
	provisionErr error
	interp       Interpreter
	workdir      string
	info         sandbox.DatasetInfo
	meta         dataset.Meta
	fingerprint  string
	lastActive   time.Time
	turns        []Turn
	running      bool
	runDone      chan struct{}
}

// WaitUntilReady blocks until provisioning finishes, the wait bound
// elapses, or ctx is done. It returns nil once the sandbox is usable, a
// *ProvisioningError if provisioning failed or did not finish in time,
// and ErrNotFound if the session was destroyed while waiting.
func (s *Session) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.provisionErr
	case <-s.destroyCh:
		return ErrNotFound
	case <-timer.C:
		return &ProvisioningError{SessionID: s.ID, Err: fmt.Errorf("not ready after %s", timeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether provisioning completed successfully.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Interpreter returns the session's sandbox handle, or nil before the
// session is ready.
func (s *Session) Interpreter() Interpreter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interp
}

// DatasetInfo returns the schema captured when the dataset was loaded.
func (s *Session) DatasetInfo() sandbox.DatasetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Meta returns the dataset's sidecar annotations, zero when the dataset
// has none.
func (s *Session) Meta() dataset.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// BeginRun claims the session's single run slot. It fails with
// ErrRunInProgress while another query is running and ErrNotFound after
// destroy. Every successful BeginRun must be paired with EndRun.
func (s *Session) BeginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrNotFound
	}
	if s.running {
		return ErrRunInProgress
	}
	s.running = true
	s.runDone = make(chan struct{})
	s.lastActive = time.Now().UTC()
	return nil
}

// EndRun releases the run slot. Calling it without a matching BeginRun
// is a no-op.
func (s *Session) EndRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.runDone)
	s.runDone = nil
	s.lastActive = time.Now().UTC()
}

// waitIdle blocks until no run is in flight or ctx is done.
func (s *Session) waitIdle(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	done := s.runDone
	s.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordTurn appends a completed exchange and refreshes the idle clock.
func (s *Session) RecordTurn(query, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.turns = append(s.turns, Turn{Query: query, Answer: answer, At: now})
	s.lastActive = now
}

// RecentTurns returns up to n most recent exchanges, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.turns) == 0 {
		return nil
	}
	if n > len(s.turns) {
		n = len(s.turns)
	}
	out := make([]Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// Snapshot captures the session state for API responses.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.ID,
		Dataset:     s.Dataset.Ref,
		Fingerprint: s.fingerprint,
		Ready:       s.ready,
		Running:     s.running,
		Turns:       len(s.turns),
		CreatedAt:   s.CreatedAt,
		LastActive:  s.lastActive,
		Rows:        s.info.Rows,
		Columns:     s.info.Columns,
	}
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}
