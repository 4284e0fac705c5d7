package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeWorker drives an Instance over plain pipes, no process involved. Each
// incoming request is handed to the handle func, which writes whatever wire
// messages it wants through the emit helpers.
type fakeWorker struct {
	t      *testing.T
	out    *io.PipeWriter
	handle func(w *fakeWorker, req rpcRequest)
}

func newFakeInstance(t *testing.T, handle func(w *fakeWorker, req rpcRequest)) (*Instance, *fakeWorker) {
	t.Helper()
	hostIn, workerOut := io.Pipe()
	workerIn, hostOut := io.Pipe()

	w := &fakeWorker{t: t, out: workerOut, handle: handle}
	go func() {
		reader := bufio.NewReader(workerIn)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				return
			}
			var req rpcRequest
			if err := json.Unmarshal(line, &req); err != nil {
				t.Errorf("fake worker: bad request: %v", err)
				return
			}
			w.handle(w, req)
		}
	}()

	inst := newInstance(nil, nil, hostOut)
	inst.grace = 50 * time.Millisecond
	inst.start(hostIn, nil)
	t.Cleanup(func() {
		_ = inst.Close()
		_ = workerOut.Close()
		_ = workerIn.Close()
	})
	return inst, w
}

func (w *fakeWorker) emit(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		w.t.Errorf("fake worker: marshal: %v", err)
		return
	}
	if _, err := w.out.Write(append(payload, '\n')); err != nil {
		return
	}
}

func (w *fakeWorker) notifyOutput(id int, stream, text string) {
	w.emit(map[string]any{
		"jsonrpc": "2.0",
		"method":  "exec.output",
		"params":  map[string]any{"id": id, "stream": stream, "text": text},
	})
}

func (w *fakeWorker) notifyDisplay(id int, media, data string) {
	w.emit(map[string]any{
		"jsonrpc": "2.0",
		"method":  "exec.display",
		"params":  map[string]any{"id": id, "media": media, "data": data},
	})
}

func (w *fakeWorker) reply(id int, result any) {
	w.emit(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (w *fakeWorker) replyError(id int, message string) {
	w.emit(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": -32000, "message": message},
	})
}

func TestExecAggregatesTaggedOutput(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		switch req.Method {
		case "exec":
			w.notifyOutput(req.ID, "stdout", "row count: ")
			w.notifyOutput(req.ID, "stdout", "42\n")
			w.notifyOutput(req.ID, "stderr", "warning: something\n")
			w.notifyDisplay(req.ID, MediaHTML, "<table></table>")
			w.reply(req.ID, map[string]any{"success": true, "exec_count": 7})
		default:
			w.reply(req.ID, map[string]any{"ok": true})
		}
	})

	ctx := context.Background()
	res, err := inst.Exec(ctx, "print(len(df))", 2*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, stderr=%q", res.Stderr)
	}
	if res.Stdout != "row count: 42\n" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
	if res.Stderr != "warning: something\n" {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if len(res.Displays) != 1 || res.Displays[0].Media != MediaHTML {
		t.Fatalf("displays: %#v", res.Displays)
	}
	if res.ExecCount != 7 {
		t.Fatalf("exec count: %d", res.ExecCount)
	}
	if res.TimedOut {
		t.Fatalf("unexpected timeout flag")
	}
}

func TestExecFailureCarriesErrorText(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		w.notifyOutput(req.ID, "stdout", "partial\n")
		w.reply(req.ID, map[string]any{
			"success":    false,
			"error":      "NameError: name 'foo' is not defined",
			"exec_count": 1,
		})
	})

	res, err := inst.Exec(context.Background(), "foo", 2*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Stderr, "NameError") {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if res.Stdout != "partial\n" {
		t.Fatalf("stdout: %q", res.Stdout)
	}
}

func TestExecOutputNotAttributedAcrossSubmissions(t *testing.T) {
	// The worker misbehaves: after answering request N it emits output
	// still tagged N. A following submission must not see it.
	var firstID int
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		if req.Method != "exec" {
			w.reply(req.ID, map[string]any{"ok": true})
			return
		}
		if firstID == 0 {
			firstID = req.ID
			w.reply(req.ID, map[string]any{"success": true, "exec_count": 1})
			return
		}
		w.notifyOutput(firstID, "stdout", "stale output\n")
		w.notifyOutput(req.ID, "stdout", "fresh\n")
		w.reply(req.ID, map[string]any{"success": true, "exec_count": 2})
	})

	ctx := context.Background()
	if _, err := inst.Exec(ctx, "a = 1", 2*time.Second); err != nil {
		t.Fatalf("first Exec: %v", err)
	}
	res, err := inst.Exec(ctx, "b = 2", 2*time.Second)
	if err != nil {
		t.Fatalf("second Exec: %v", err)
	}
	if res.Stdout != "fresh\n" {
		t.Fatalf("stale output leaked: %q", res.Stdout)
	}
}

func TestExecTimeoutReturnsFailedResult(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		if req.Method == "exec" {
			w.notifyOutput(req.ID, "stdout", "started\n")
			return // never answer
		}
		w.reply(req.ID, map[string]any{"ok": true})
	})

	res, err := inst.Exec(context.Background(), "while True: pass", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || !res.TimedOut {
		t.Fatalf("expected timed-out failure, got %#v", res)
	}
	if !strings.Contains(res.Stderr, "timed out after") {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if res.Stdout != "started\n" {
		t.Fatalf("partial stdout lost: %q", res.Stdout)
	}

	// The wedged worker was killed; the handle is dead now.
	if _, err := inst.Exec(context.Background(), "x = 1", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after kill, got %v", err)
	}
	if inst.Alive() {
		t.Fatalf("instance still reports alive")
	}
}

func TestExecInterruptedBeforeGraceKeepsHandleAlive(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		if req.Method != "exec" {
			w.reply(req.ID, map[string]any{"ok": true})
			return
		}
		// Simulate a worker that answers the interrupt promptly.
		go func(id int) {
			time.Sleep(150 * time.Millisecond)
			w.reply(id, map[string]any{
				"success":    false,
				"error":      "KeyboardInterrupt: execution interrupted",
				"exec_count": 3,
			})
		}(req.ID)
	})
	inst.grace = 5 * time.Second

	res, err := inst.Exec(context.Background(), "time.sleep(60)", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Success || !res.TimedOut {
		t.Fatalf("expected timed-out failure, got %#v", res)
	}
	if !strings.Contains(res.Stderr, "timed out after") {
		t.Fatalf("stderr: %q", res.Stderr)
	}
	if !inst.Alive() {
		t.Fatalf("responsive worker should stay alive after interrupt")
	}
}

func TestWorkerDeathFailsPendingCalls(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		_ = w.out.Close() // stdout EOF, as if the process died
	})

	_, err := inst.Exec(context.Background(), "x = 1", 2*time.Second)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := inst.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on dead instance, got %v", err)
	}
}

func TestCallRemoteError(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		w.replyError(req.ID, "load: unsupported dataset format '.xls'")
	})

	err := inst.Load(context.Background(), "/tmp/x.xls", "df")
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(re.Message, "unsupported dataset format") {
		t.Fatalf("message: %q", re.Message)
	}
}

func TestInfoDecodesColumns(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		w.reply(req.ID, map[string]any{
			"rows": 1200,
			"columns": []map[string]any{
				{"name": "region", "dtype": "object"},
				{"name": "amount", "dtype": "float64"},
			},
		})
	})

	info, err := inst.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Rows != 1200 || len(info.Columns) != 2 {
		t.Fatalf("info: %#v", info)
	}
	if info.Columns[1].Name != "amount" || info.Columns[1].Dtype != "float64" {
		t.Fatalf("columns: %#v", info.Columns)
	}
}

func TestCallContextCancellation(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		// never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := inst.Ping(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	inst, _ := newFakeInstance(t, func(w *fakeWorker, req rpcRequest) {
		w.reply(req.ID, map[string]any{"ok": true})
	})

	if err := inst.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := inst.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := inst.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after Close, got %v", err)
	}
}
