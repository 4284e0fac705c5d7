package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// These tests exercise the real worker script end to end and skip when no
// Python interpreter is installed.

func requirePython(t *testing.T) string {
	t.Helper()
	if path, err := exec.LookPath("python3"); err == nil {
		return path
	}
	if path, err := exec.LookPath("python"); err == nil {
		return path
	}
	t.Skip("python not available")
	return ""
}

func hasPythonModule(python, module string) bool {
	cmd := exec.Command(python, "-c", "import "+module)
	return cmd.Run() == nil
}

func launchWorker(t *testing.T) *Instance {
	t.Helper()
	requirePython(t)

	worker, err := filepath.Abs(filepath.Join("..", "..", "tools", "pyworker", "worker.py"))
	if err != nil {
		t.Fatalf("worker path: %v", err)
	}
	if _, err := os.Stat(worker); err != nil {
		t.Fatalf("worker script: %v", err)
	}
	host, err := NewHost(nil, HostOptions{Worker: worker})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	inst, err := host.Launch(ctx, "test-session", t.TempDir())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func TestWorkerExecRoundTrip(t *testing.T) {
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := inst.Exec(ctx, `print("hello")`, 10*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success || res.Stdout != "hello\n" {
		t.Fatalf("result: %#v", res)
	}
	if res.ExecCount != 1 {
		t.Fatalf("exec count: %d", res.ExecCount)
	}

	// Namespace persists across submissions.
	res, err = inst.Exec(ctx, "x = 21", 10*time.Second)
	if err != nil || !res.Success {
		t.Fatalf("assign: %v %#v", err, res)
	}
	res, err = inst.Exec(ctx, "print(x * 2)", 10*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "42\n" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
	if res.ExecCount != 3 {
		t.Fatalf("exec count: %d", res.ExecCount)
	}
}

func TestWorkerExecErrorTraceback(t *testing.T) {
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := inst.Exec(ctx, "1/0", 10*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Stderr, "ZeroDivisionError") {
		t.Fatalf("stderr: %q", res.Stderr)
	}

	// A failed submission does not poison the worker.
	res, err = inst.Exec(ctx, `print("ok")`, 10*time.Second)
	if err != nil || !res.Success || res.Stdout != "ok\n" {
		t.Fatalf("recovery: %v %#v", err, res)
	}
}

func TestWorkerTrailingExpressionDisplay(t *testing.T) {
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, err := inst.Exec(ctx, `s = "abc"`+"\n"+`s.upper()`, 10*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success {
		t.Fatalf("result: %#v", res)
	}
	if len(res.Displays) != 1 || res.Displays[0].Media != MediaText {
		t.Fatalf("displays: %#v", res.Displays)
	}
	if res.Displays[0].Data != `'ABC'` {
		t.Fatalf("display data: %q", res.Displays[0].Data)
	}
}

func TestWorkerInterruptOnTimeout(t *testing.T) {
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := inst.Exec(ctx, "import time\ntime.sleep(30)", 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || !res.TimedOut {
		t.Fatalf("expected timed-out failure, got %#v", res)
	}
	if !strings.Contains(res.Stderr, "timed out after") {
		t.Fatalf("stderr: %q", res.Stderr)
	}

	// KeyboardInterrupt was handled inside the worker; it stays usable.
	res, err = inst.Exec(ctx, `print("still here")`, 10*time.Second)
	if err != nil || !res.Success || res.Stdout != "still here\n" {
		t.Fatalf("post-interrupt exec: %v %#v", err, res)
	}
}

func TestWorkerLoadCSVAndInfo(t *testing.T) {
	python := requirePython(t)
	if !hasPythonModule(python, "pandas") {
		t.Skip("pandas not available")
	}
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "sales.csv")
	data := "region,amount\nwest,10\neast,3\nnorth,7\n"
	if err := os.WriteFile(csvPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	if err := inst.Load(ctx, csvPath, "df"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info, err := inst.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Rows != 3 || len(info.Columns) != 2 {
		t.Fatalf("info: %#v", info)
	}
	if info.Columns[0].Name != "region" {
		t.Fatalf("columns: %#v", info.Columns)
	}

	res, err := inst.Exec(ctx, "print(int(df['amount'].sum()))", 10*time.Second)
	if err != nil || !res.Success {
		t.Fatalf("sum exec: %v %#v", err, res)
	}
	if res.Stdout != "20\n" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestWorkerLoadUnsupportedFormat(t *testing.T) {
	python := requirePython(t)
	if !hasPythonModule(python, "pandas") {
		t.Skip("pandas not available")
	}
	inst := launchWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.xls")
	if err := os.WriteFile(path, []byte("junk"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := inst.Load(ctx, path, "df")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(re.Message, "unsupported dataset format") {
		t.Fatalf("message: %q", re.Message)
	}
}
