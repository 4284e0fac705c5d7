package session

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/quarrylabs/quarry/internal/dataset"
)

const sweepRunWait = 5 * time.Second

// Options configure a Registry. The zero value is usable.
type Options struct {
	// ProvisionTimeout bounds one provisioning attempt end to end,
	// including time spent queued behind the concurrency limit.
	// Defaults to 60s.
	ProvisionTimeout time.Duration

	// MaxConcurrentProvisions caps how many sandboxes come up at once.
	// Defaults to 4.
	MaxConcurrentProvisions int64

	// OnDestroy, if set, runs after a session is torn down. Used to
	// drop the session's event stream state.
	OnDestroy func(sessionID string)
}

func (o *Options) applyDefaults() {
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = 60 * time.Second
	}
	if o.MaxConcurrentProvisions <= 0 {
		o.MaxConcurrentProvisions = 4
	}
}

// Registry owns every live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store            *dataset.Store
	launcher         Launcher
	sem              *semaphore.Weighted
	provisionTimeout time.Duration
	onDestroy        func(string)
	logger           *zap.Logger
}

// NewRegistry builds a Registry. A nil logger disables logging.
func NewRegistry(store *dataset.Store, launcher Launcher, logger *zap.Logger, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Registry{
		sessions:         make(map[string]*Session),
		store:            store,
		launcher:         launcher,
		sem:              semaphore.NewWeighted(opts.MaxConcurrentProvisions),
		provisionTimeout: opts.ProvisionTimeout,
		onDestroy:        opts.OnDestroy,
		logger:           logger,
	}
}

// Create resolves datasetRef, registers a new session, and starts
// provisioning its sandbox in the background. The returned session is
// not ready yet; callers wait with WaitUntilReady. An unresolvable
// dataset fails here, before any session exists.
func (r *Registry) Create(ctx context.Context, datasetRef string) (*Session, error) {
	ds, err := r.store.Resolve(datasetRef)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &Session{
		ID:         ulid.Make().String(),
		Dataset:    ds,
		CreatedAt:  now,
		lastActive: now,
		readyCh:    make(chan struct{}),
		destroyCh:  make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go r.provision(s)
	r.logger.Info("session.created",
		zap.String("session_id", s.ID),
		zap.String("dataset", ds.RelPath))
	return s, nil
}

// provision brings the session's sandbox up: a private working
// directory, a dataset copy, a fresh interpreter, and the loaded frame.
// It is the only closer of readyCh.
func (r *Registry) provision(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), r.provisionTimeout)
	defer cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.failProvision(s, err)
		return
	}
	defer r.sem.Release(1)

	workdir, err := os.MkdirTemp("", "quarry-session-")
	if err != nil {
		r.failProvision(s, err)
		return
	}
	copied, err := r.store.CopyForSession(s.Dataset, workdir)
	if err != nil {
		_ = os.RemoveAll(workdir)
		r.failProvision(s, err)
		return
	}
	fp, err := dataset.Fingerprint(copied)
	if err != nil {
		r.logger.Warn("session.fingerprint_failed",
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
	interp, err := r.launcher.Launch(ctx, s.ID, workdir)
	if err != nil {
		_ = os.RemoveAll(workdir)
		r.failProvision(s, err)
		return
	}
	if err := interp.Load(ctx, copied, "df"); err != nil {
		_ = interp.Close()
		_ = os.RemoveAll(workdir)
		r.failProvision(s, err)
		return
	}
	info, err := interp.Info(ctx)
	if err != nil {
		_ = interp.Close()
		_ = os.RemoveAll(workdir)
		r.failProvision(s, err)
		return
	}

	meta, _, err := r.store.LoadMeta(s.Dataset)
	if err != nil {
		r.logger.Warn("session.meta_unreadable",
			zap.String("session_id", s.ID),
			zap.Error(err))
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		_ = interp.Close()
		_ = os.RemoveAll(workdir)
		return
	}
	s.interp = interp
	s.workdir = workdir
	s.info = info
	s.meta = meta
	s.fingerprint = fp
	s.ready = true
	close(s.readyCh)
	s.mu.Unlock()
	r.logger.Info("session.ready",
		zap.String("session_id", s.ID),
		zap.String("fingerprint", fp),
		zap.Int("rows", info.Rows),
		zap.Int("columns", len(info.Columns)))
}

// failProvision records the failure and discards the session. The error
// is set and the session removed from the registry before readyCh
// closes, so a waiter that wakes and re-looks-up sees NotFound.
func (r *Registry) failProvision(s *Session, cause error) {
	perr := &ProvisioningError{SessionID: s.ID, Err: cause}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.provisionErr = perr
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	close(s.readyCh)
	r.logger.Warn("session.provision_failed",
		zap.String("session_id", s.ID),
		zap.Error(cause))
}

// Get returns a live session or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns snapshots of every live session, oldest first.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Destroy tears a session down immediately: any in-flight execution is
// interrupted, the interpreter closed, and the working directory
// removed. A second Destroy for the same id reports ErrNotFound.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	r.destroy(s, "api")
	return nil
}

// SweepIdle destroys every session idle longer than maxIdle and returns
// how many were reaped. A session mid-run has its execution interrupted
// and is given a short window to release the run slot first. Sweeping
// twice in a row is safe; the second pass finds nothing.
func (r *Registry) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	now := time.Now().UTC()
	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.idleFor(now) > maxIdle {
			victims = append(victims, s)
		}
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.mu.Lock()
		running := s.running
		interp := s.interp
		s.mu.Unlock()
		if running && interp != nil {
			_ = interp.Interrupt()
			waitCtx, cancel := context.WithTimeout(ctx, sweepRunWait)
			_ = s.waitIdle(waitCtx)
			cancel()
		}
		r.destroy(s, "idle")
	}
	if len(victims) > 0 {
		r.logger.Info("session.sweep", zap.Int("reaped", len(victims)))
	}
	return len(victims)
}

// destroy is the single teardown path. It is idempotent per session.
func (r *Registry) destroy(s *Session, reason string) {
	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	close(s.destroyCh)
	interp := s.interp
	workdir := s.workdir
	running := s.running
	s.interp = nil
	s.mu.Unlock()

	if interp != nil {
		if running {
			_ = interp.Interrupt()
		}
		_ = interp.Close()
	}
	if workdir != "" {
		_ = os.RemoveAll(workdir)
	}
	if r.onDestroy != nil {
		r.onDestroy(s.ID)
	}
	r.logger.Info("session.destroyed",
		zap.String("session_id", s.ID),
		zap.String("reason", reason))
}
