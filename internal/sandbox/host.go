package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Host launches interpreter processes. One Host serves the whole process;
// each Launch yields an Instance owned by a single session.
type Host struct {
	python string
	worker string
	logger *zap.Logger
}

// HostOptions override runtime discovery. Empty fields fall back to the
// QUARRY_PYTHON / QUARRY_PYWORKER environment variables, then to defaults.
type HostOptions struct {
	Python string
	Worker string
}

// NewHost resolves the Python interpreter and the worker script once, up
// front, so a missing runtime fails at startup rather than on first query.
func NewHost(logger *zap.Logger, opts HostOptions) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	worker, err := resolveWorkerPath(opts.Worker)
	if err != nil {
		return nil, err
	}
	python, err := resolvePython(opts.Python)
	if err != nil {
		return nil, err
	}
	logger.Debug("sandbox.host_ready", zap.String("python", python), zap.String("worker", worker))
	return &Host{python: python, worker: worker, logger: logger}, nil
}

// Launch starts one interpreter rooted in workdir and pings it to confirm
// the runtime came up. The caller owns the returned instance and must Close
// it.
func (h *Host) Launch(ctx context.Context, sessionID, workdir string) (*Instance, error) {
	cmd := exec.Command(h.python, "-u", h.worker)
	cmd.Dir = workdir
	env := append([]string{}, os.Environ()...)
	env = append(env, "PYTHONUNBUFFERED=1", "MPLBACKEND=Agg")
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	inst := newInstance(h.logger.With(zap.String("session_id", sessionID)), cmd, stdin)
	inst.start(stdout, stderr)

	if err := inst.Ping(ctx); err != nil {
		_ = inst.Close()
		return nil, err
	}
	h.logger.Info("sandbox.launched", zap.String("session_id", sessionID), zap.Int("pid", cmd.Process.Pid))
	return inst, nil
}

func resolveWorkerPath(override string) (string, error) {
	if path := strings.TrimSpace(override); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	if path := strings.TrimSpace(os.Getenv("QUARRY_PYWORKER")); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", err
		}
		return path, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Clean(filepath.Join(filepath.Dir(exe), "..", "tools", "pyworker", "worker.py"))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(cwd, "tools", "pyworker", "worker.py")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.New("worker script not found (set QUARRY_PYWORKER)")
}

func resolvePython(override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return exec.LookPath(override)
	}
	if env := strings.TrimSpace(os.Getenv("QUARRY_PYTHON")); env != "" {
		return exec.LookPath(env)
	}
	if path, err := exec.LookPath("python3"); err == nil {
		return path, nil
	}
	if path, err := exec.LookPath("python"); err == nil {
		return path, nil
	}
	return "", errors.New("python not found in PATH")
}
