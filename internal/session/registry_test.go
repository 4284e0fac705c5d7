package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/dataset"
	"github.com/quarrylabs/quarry/internal/sandbox"
)

type fakeInterp struct {
	mu          sync.Mutex
	loadedPath  string
	loadedName  string
	closed      bool
	interrupted int
	loadErr     error
	infoErr     error
	info        sandbox.DatasetInfo
}

func (f *fakeInterp) Load(ctx context.Context, path, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loadedPath, f.loadedName = path, name
	return nil
}

func (f *fakeInterp) Info(ctx context.Context) (sandbox.DatasetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, f.infoErr
}

func (f *fakeInterp) Exec(ctx context.Context, code string, timeout time.Duration) (sandbox.ExecutionResult, error) {
	return sandbox.ExecutionResult{Success: true}, nil
}

func (f *fakeInterp) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted++
	return nil
}

func (f *fakeInterp) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeInterp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInterp) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	err      error
	loadErr  error
	gate     chan struct{} // when non-nil, Launch blocks on it
	last     *fakeInterp
	lastDir  string
}

func (l *fakeLauncher) Launch(ctx context.Context, sessionID, workdir string) (Interpreter, error) {
	l.mu.Lock()
	l.launches++
	gate := l.gate
	err := l.err
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	interp := &fakeInterp{
		loadErr: l.loadErr,
		info: sandbox.DatasetInfo{
			Rows:    3,
			Columns: []sandbox.ColumnInfo{{Name: "region", Dtype: "object"}, {Name: "revenue", Dtype: "int64"}},
		},
	}
	l.mu.Lock()
	l.last = interp
	l.lastDir = workdir
	l.mu.Unlock()
	return interp, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) lastInterp() *fakeInterp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func newTestRegistry(t *testing.T, launcher Launcher, opts Options) *Registry {
	t.Helper()
	root := t.TempDir()
	csv := "region,revenue\nnorth,10\nsouth,4\neast,6\n"
	if err := os.WriteFile(filepath.Join(root, "sales.csv"), []byte(csv), 0o600); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	sidecar := `{"description": "Regional revenue extract.", "columns": {"revenue": "net of refunds"}}`
	if err := os.WriteFile(filepath.Join(root, "sales.meta.json"), []byte(sidecar), 0o600); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	store, err := dataset.NewStore(root, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewRegistry(store, launcher, nil, opts)
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	if err := s.WaitUntilReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
}

func TestCreateProvisionsAsync(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})

	s, err := r.Create(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitReady(t, s)

	if !s.Ready() {
		t.Fatal("session not marked ready")
	}
	interp := launcher.lastInterp()
	if interp == nil {
		t.Fatal("launcher never ran")
	}
	interp.mu.Lock()
	path, name := interp.loadedPath, interp.loadedName
	interp.mu.Unlock()
	if name != "df" {
		t.Fatalf("loaded name: %q", name)
	}
	if filepath.Dir(path) != launcher.lastDir {
		t.Fatalf("dataset copied to %q, want session dir %q", path, launcher.lastDir)
	}
	if got, err := os.ReadFile(path); err != nil || len(got) == 0 {
		t.Fatalf("session dataset copy: %v", err)
	}

	info := s.DatasetInfo()
	if info.Rows != 3 || len(info.Columns) != 2 {
		t.Fatalf("cached schema: %+v", info)
	}
	if fp := s.Snapshot().Fingerprint; len(fp) != 64 {
		t.Fatalf("fingerprint: %q", fp)
	}
	meta := s.Meta()
	if meta.Description != "Regional revenue extract." || meta.Columns["revenue"] != "net of refunds" {
		t.Fatalf("sidecar meta: %+v", meta)
	}
	if got, err := r.Get(s.ID); err != nil || got != s {
		t.Fatalf("Get: %v", err)
	}
	list := r.List()
	if len(list) != 1 || !list[0].Ready || list[0].Dataset != "sales" {
		t.Fatalf("List: %+v", list)
	}
}

func TestCreateUnknownDatasetFailsFast(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})
	if _, err := r.Create(context.Background(), "no-such-dataset"); !errors.Is(err, dataset.ErrNotFound) {
		t.Fatalf("err = %v, want dataset.ErrNotFound", err)
	}
	if launcher.launchCount() != 0 {
		t.Fatal("launcher ran for unresolvable dataset")
	}
	if len(r.List()) != 0 {
		t.Fatal("session registered despite resolve failure")
	}
}

func TestWaitUntilReadyTimeout(t *testing.T) {
	launcher := &fakeLauncher{gate: make(chan struct{})}
	defer close(launcher.gate)
	r := newTestRegistry(t, launcher, Options{})

	s, err := r.Create(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.WaitUntilReady(context.Background(), 50*time.Millisecond)
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisioningError", err)
	}
}

func TestProvisionFailureDiscardsSession(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("interpreter exploded")}
	r := newTestRegistry(t, launcher, Options{})

	s, err := r.Create(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.WaitUntilReady(context.Background(), 2*time.Second)
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisioningError", err)
	}
	if perr.SessionID != s.ID {
		t.Fatalf("error session id: %q", perr.SessionID)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after failed provisioning: %v", err)
	}
	// Waiting again must return the same failure, not hang.
	if err := s.WaitUntilReady(context.Background(), time.Second); !errors.As(err, &perr) {
		t.Fatalf("second wait: %v", err)
	}
}

func TestLoadFailureTearsDownInterpreter(t *testing.T) {
	launcher := &fakeLauncher{loadErr: errors.New("bad parquet")}
	r := newTestRegistry(t, launcher, Options{})

	s, _ := r.Create(context.Background(), "sales")
	if err := s.WaitUntilReady(context.Background(), 2*time.Second); err == nil {
		t.Fatal("expected provisioning failure")
	}
	if !launcher.lastInterp().isClosed() {
		t.Fatal("interpreter left running after load failure")
	}
}

func TestDestroyThenGetNotFound(t *testing.T) {
	launcher := &fakeLauncher{}
	var dropped []string
	var droppedMu sync.Mutex
	r := newTestRegistry(t, launcher, Options{OnDestroy: func(id string) {
		droppedMu.Lock()
		dropped = append(dropped, id)
		droppedMu.Unlock()
	}})

	s, _ := r.Create(context.Background(), "sales")
	waitReady(t, s)
	workdir := launcher.lastDir

	if err := r.Destroy(s.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after destroy: %v", err)
	}
	if err := r.Destroy(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double destroy: %v", err)
	}
	if !launcher.lastInterp().isClosed() {
		t.Fatal("interpreter not closed")
	}
	if _, err := os.Stat(workdir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workdir survived destroy: %v", err)
	}
	droppedMu.Lock()
	defer droppedMu.Unlock()
	if len(dropped) != 1 || dropped[0] != s.ID {
		t.Fatalf("OnDestroy calls: %v", dropped)
	}
}

func TestDestroyDuringProvisioningCleansUp(t *testing.T) {
	launcher := &fakeLauncher{gate: make(chan struct{})}
	r := newTestRegistry(t, launcher, Options{})

	s, _ := r.Create(context.Background(), "sales")
	if err := r.Destroy(s.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	close(launcher.gate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		interp := launcher.lastInterp()
		if interp != nil && interp.isClosed() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orphaned interpreter never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: %v", err)
	}
}

func TestBeginRunGate(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})
	s, _ := r.Create(context.Background(), "sales")
	waitReady(t, s)

	if err := s.BeginRun(); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if err := s.BeginRun(); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second BeginRun: %v", err)
	}
	s.EndRun()
	if err := s.BeginRun(); err != nil {
		t.Fatalf("BeginRun after EndRun: %v", err)
	}
	s.EndRun()
	s.EndRun() // extra EndRun is a no-op
}

func TestSweepIdleReapsOnlyIdleSessions(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})

	idle, _ := r.Create(context.Background(), "sales")
	waitReady(t, idle)
	fresh, _ := r.Create(context.Background(), "sales")
	waitReady(t, fresh)

	idle.mu.Lock()
	idle.lastActive = time.Now().UTC().Add(-time.Hour)
	idle.mu.Unlock()

	if n := r.SweepIdle(context.Background(), 30*time.Minute); n != 1 {
		t.Fatalf("sweep reaped %d, want 1", n)
	}
	if _, err := r.Get(idle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle session survived sweep: %v", err)
	}
	if _, err := r.Get(fresh.ID); err != nil {
		t.Fatalf("fresh session reaped: %v", err)
	}
	if n := r.SweepIdle(context.Background(), 30*time.Minute); n != 0 {
		t.Fatalf("second sweep reaped %d, want 0", n)
	}
}

func TestSweepInterruptsRunningSession(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})
	s, _ := r.Create(context.Background(), "sales")
	waitReady(t, s)
	interp := launcher.lastInterp()

	if err := s.BeginRun(); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	s.mu.Lock()
	s.lastActive = time.Now().UTC().Add(-time.Hour)
	s.mu.Unlock()
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.EndRun()
	}()

	if n := r.SweepIdle(context.Background(), 30*time.Minute); n != 1 {
		t.Fatalf("sweep reaped %d, want 1", n)
	}
	interp.mu.Lock()
	interrupted := interp.interrupted
	interp.mu.Unlock()
	if interrupted == 0 {
		t.Fatal("in-flight run was not interrupted")
	}
	if !interp.isClosed() {
		t.Fatal("interpreter not closed by sweep")
	}
}

func TestProvisionConcurrencyBounded(t *testing.T) {
	launcher := &fakeLauncher{gate: make(chan struct{})}
	r := newTestRegistry(t, launcher, Options{MaxConcurrentProvisions: 1})

	a, _ := r.Create(context.Background(), "sales")
	b, _ := r.Create(context.Background(), "sales")

	deadline := time.Now().Add(time.Second)
	for launcher.launchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first provision never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The second provision is queued behind the semaphore, so only one
	// launch can have happened no matter how long we wait.
	time.Sleep(50 * time.Millisecond)
	if got := launcher.launchCount(); got != 1 {
		t.Fatalf("launches with bound 1: %d", got)
	}

	close(launcher.gate)
	waitReady(t, a)
	waitReady(t, b)
	if got := launcher.launchCount(); got != 2 {
		t.Fatalf("total launches: %d", got)
	}
}

func TestRecordTurnAndRecentTurns(t *testing.T) {
	launcher := &fakeLauncher{}
	r := newTestRegistry(t, launcher, Options{})
	s, _ := r.Create(context.Background(), "sales")
	waitReady(t, s)

	s.RecordTurn("total revenue?", "Revenue totals 20.")
	s.RecordTurn("by region?", "North leads with 10.")

	if got := s.Snapshot().Turns; got != 2 {
		t.Fatalf("turn count: %d", got)
	}
	recent := s.RecentTurns(1)
	if len(recent) != 1 || recent[0].Query != "by region?" {
		t.Fatalf("RecentTurns(1): %+v", recent)
	}
	all := s.RecentTurns(10)
	if len(all) != 2 || all[0].Query != "total revenue?" {
		t.Fatalf("RecentTurns(10): %+v", all)
	}
	if s.RecentTurns(0) != nil {
		t.Fatal("RecentTurns(0) should be nil")
	}
}
