package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// execInterruptGrace is how long an interrupted submission gets to surface
// its KeyboardInterrupt result before the worker is killed outright.
const execInterruptGrace = 2 * time.Second

// Instance is the handle to one live interpreter process. It is owned by
// exactly one session and must be Closed when the session is destroyed.
// Methods are safe for concurrent use; callers are expected to keep at most
// one Exec in flight at a time.
type Instance struct {
	mu         sync.Mutex
	writeMu    sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	pending    map[int]chan rpcReply
	collectors map[int]*collector
	nextID     int
	dead       bool
	closed     bool
	grace      time.Duration
	logger     *zap.Logger
}

func newInstance(logger *zap.Logger, cmd *exec.Cmd, stdin io.WriteCloser) *Instance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instance{
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[int]chan rpcReply),
		collectors: make(map[int]*collector),
		nextID:     1,
		grace:      execInterruptGrace,
		logger:     logger,
	}
}

// start launches the reader goroutines. Split from newInstance so tests can
// drive an instance over plain pipes without a process.
func (i *Instance) start(stdout, stderr io.Reader) {
	go i.readLoop(bufio.NewReaderSize(stdout, 64*1024))
	if stderr != nil {
		go i.stderrLoop(stderr)
	}
	if i.cmd != nil {
		go i.waitLoop()
	}
}

// Alive reports whether the interpreter process is still usable.
func (i *Instance) Alive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.dead && !i.closed
}

// Load reads the dataset at path into the worker's persistent namespace
// under the given variable name.
func (i *Instance) Load(ctx context.Context, path, name string) error {
	return i.call(ctx, "load", map[string]any{"path": path, "name": name}, nil)
}

// Info returns column names, dtypes, and the row count of the loaded
// dataset.
func (i *Instance) Info(ctx context.Context) (DatasetInfo, error) {
	var info DatasetInfo
	err := i.call(ctx, "info", map[string]any{}, &info)
	return info, err
}

// Ping round-trips a no-op request, confirming the worker is responsive.
func (i *Instance) Ping(ctx context.Context) error {
	var pong struct {
		OK bool `json:"ok"`
	}
	if err := i.call(ctx, "ping", map[string]any{}, &pong); err != nil {
		return err
	}
	if !pong.OK {
		return errors.New("sandbox ping returned not ok")
	}
	return nil
}

// Exec submits code and blocks until the aggregated result is available or
// the timeout elapses. A timed-out submission yields a failed result whose
// error text states the bound; the worker is interrupted so no stale output
// can bleed into a later submission. Only infrastructure failures surface as
// a non-nil error.
func (i *Instance) Exec(ctx context.Context, code string, timeout time.Duration) (ExecutionResult, error) {
	i.mu.Lock()
	if i.dead || i.closed {
		i.mu.Unlock()
		return ExecutionResult{}, ErrUnavailable
	}
	id := i.nextID
	i.nextID++
	ch := make(chan rpcReply, 1)
	i.pending[id] = ch
	col := &collector{}
	i.collectors[id] = col
	stdin := i.stdin
	i.mu.Unlock()

	defer i.removeCollector(id)

	start := time.Now()
	req := rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: "exec", Params: map[string]any{"code": code}}
	if err := i.send(req, stdin); err != nil {
		i.removePending(id)
		i.markDead(err)
		return ExecutionResult{}, ErrUnavailable
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return i.finishExec(col, reply, start, timeout, false)
	case <-ctx.Done():
		i.removePending(id)
		_ = i.Interrupt()
		return ExecutionResult{}, ctx.Err()
	case <-timer.C:
	}

	// Deadline passed. Interrupt the interpreter; the in-flight exec turns
	// into a KeyboardInterrupt result. If the worker stays silent past the
	// grace window it is wedged, so kill it and report the handle dead on
	// next use.
	i.logger.Warn("sandbox.exec_timeout", zap.Duration("timeout", timeout), zap.Int("request_id", id))
	_ = i.Interrupt()

	grace := time.NewTimer(i.grace)
	defer grace.Stop()
	select {
	case reply := <-ch:
		return i.finishExec(col, reply, start, timeout, true)
	case <-ctx.Done():
		i.removePending(id)
		return ExecutionResult{}, ctx.Err()
	case <-grace.C:
		i.removePending(id)
		i.kill()
		res := col.snapshot()
		res.Success = false
		res.TimedOut = true
		res.Stderr = timeoutText(timeout)
		res.Duration = time.Since(start)
		return res, nil
	}
}

func (i *Instance) finishExec(col *collector, reply rpcReply, start time.Time, timeout time.Duration, timedOut bool) (ExecutionResult, error) {
	if reply.err != nil {
		return ExecutionResult{}, remoteError(reply.err)
	}
	var wire execResultWire
	if len(reply.result) > 0 {
		if err := json.Unmarshal(reply.result, &wire); err != nil {
			return ExecutionResult{}, fmt.Errorf("decode exec result: %w", err)
		}
	}
	res := col.snapshot()
	res.Success = wire.Success
	res.ExecCount = wire.ExecCount
	res.Duration = time.Since(start)
	if wire.Error != "" {
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += wire.Error
	}
	if timedOut {
		res.Success = false
		res.TimedOut = true
		res.Stderr = timeoutText(timeout)
	}
	return res, nil
}

func timeoutText(timeout time.Duration) string {
	return fmt.Sprintf("execution timed out after %s", timeout)
}

// Interrupt delivers SIGINT to the interpreter. An in-flight exec observes
// it as a KeyboardInterrupt and reports a failed result; an idle worker
// shrugs it off. Safe to call concurrently with Exec.
func (i *Instance) Interrupt() error {
	i.mu.Lock()
	cmd := i.cmd
	gone := i.dead || i.closed
	i.mu.Unlock()
	if gone || cmd == nil || cmd.Process == nil {
		return ErrUnavailable
	}
	return cmd.Process.Signal(os.Interrupt)
}

// Close tears the worker down. Idempotent; safe to call on a dead instance.
// The wait loop reaps the process after the kill.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	cmd := i.cmd
	stdin := i.stdin
	i.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	i.markDead(nil)
	return nil
}

func (i *Instance) call(ctx context.Context, method string, params any, result any) error {
	i.mu.Lock()
	if i.dead || i.closed {
		i.mu.Unlock()
		return ErrUnavailable
	}
	id := i.nextID
	i.nextID++
	ch := make(chan rpcReply, 1)
	i.pending[id] = ch
	stdin := i.stdin
	i.mu.Unlock()

	if err := i.send(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}, stdin); err != nil {
		i.removePending(id)
		i.markDead(err)
		return ErrUnavailable
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return remoteError(reply.err)
		}
		if result != nil && len(reply.result) > 0 {
			if err := json.Unmarshal(reply.result, result); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		i.removePending(id)
		return ctx.Err()
	}
}

func (i *Instance) send(req rpcRequest, stdin io.Writer) error {
	if stdin == nil {
		return errors.New("stdin closed")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	_, err = stdin.Write(append(payload, '\n'))
	return err
}

func (i *Instance) readLoop(reader *bufio.Reader) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			i.markDead(err)
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > maxMessageSize {
			i.markDead(errors.New("message too large"))
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			i.logger.Warn("sandbox.invalid_json", zap.Error(err))
			continue
		}
		if msg.Method != "" {
			i.handleNotification(msg)
			continue
		}
		if msg.ID == 0 {
			continue
		}
		i.mu.Lock()
		ch := i.pending[msg.ID]
		delete(i.pending, msg.ID)
		i.mu.Unlock()
		if ch != nil {
			ch <- rpcReply{result: msg.Result, err: msg.Error}
			close(ch)
		}
	}
}

func (i *Instance) handleNotification(msg rpcMessage) {
	switch msg.Method {
	case "exec.output":
		var chunk outputChunk
		if err := json.Unmarshal(msg.Params, &chunk); err != nil {
			return
		}
		if col := i.collectorFor(chunk.ID); col != nil {
			col.addOutput(chunk.Stream, chunk.Text)
		}
	case "exec.display":
		var chunk displayChunk
		if err := json.Unmarshal(msg.Params, &chunk); err != nil {
			return
		}
		if col := i.collectorFor(chunk.ID); col != nil {
			col.addDisplay(Display{Media: chunk.Media, Data: chunk.Data})
		}
	default:
		i.logger.Debug("sandbox.unknown_notification", zap.String("method", msg.Method))
	}
}

func (i *Instance) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if i.logWorkerLine(line) {
			continue
		}
		i.logger.Warn("sandbox.stderr", zap.String("message", line))
	}
}

// logWorkerLine routes the worker's own structured log lines through the
// instance logger. Returns false for lines that are not worker logs.
func (i *Instance) logWorkerLine(line string) bool {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return false
	}
	levelRaw, _ := payload["level"].(string)
	message, _ := payload["message"].(string)
	if levelRaw == "" || message == "" {
		return false
	}
	fields := make([]zap.Field, 0, len(payload))
	for key, value := range payload {
		if key == "level" || key == "message" {
			continue
		}
		fields = append(fields, zap.Any(key, value))
	}
	switch strings.ToLower(strings.TrimSpace(levelRaw)) {
	case "debug":
		i.logger.Debug("sandbox.worker: "+message, fields...)
	case "info":
		i.logger.Info("sandbox.worker: "+message, fields...)
	case "error":
		i.logger.Error("sandbox.worker: "+message, fields...)
	default:
		i.logger.Warn("sandbox.worker: "+message, fields...)
	}
	return true
}

func (i *Instance) waitLoop() {
	_ = i.cmd.Wait()
	i.markDead(errors.New("process exited"))
}

// markDead fails every pending request with an unavailable error and stops
// accepting new ones. Safe to call from any goroutine, any number of times.
func (i *Instance) markDead(err error) {
	i.mu.Lock()
	if i.dead {
		i.mu.Unlock()
		return
	}
	i.dead = true
	pending := i.pending
	i.pending = make(map[int]chan rpcReply)
	closed := i.closed
	i.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcReply{err: &rpcError{Message: codeUnavailable}}
		close(ch)
	}
	if !closed && err != nil && !errors.Is(err, io.EOF) {
		i.logger.Warn("sandbox.worker_exited", zap.Error(err))
	}
}

func (i *Instance) kill() {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	i.markDead(errors.New("killed after interrupt grace"))
}

func (i *Instance) removePending(id int) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}

func (i *Instance) removeCollector(id int) {
	i.mu.Lock()
	delete(i.collectors, id)
	i.mu.Unlock()
}

func (i *Instance) collectorFor(id int) *collector {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.collectors[id]
}

// collector accumulates the incremental output of one tagged submission.
type collector struct {
	mu       sync.Mutex
	stdout   strings.Builder
	stderr   strings.Builder
	displays []Display
}

func (c *collector) addOutput(stream, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == "stderr" {
		c.stderr.WriteString(text)
		return
	}
	c.stdout.WriteString(text)
}

func (c *collector) addDisplay(d Display) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displays = append(c.displays, d)
}

func (c *collector) snapshot() ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ExecutionResult{
		Stdout:   c.stdout.String(),
		Stderr:   c.stderr.String(),
		Displays: append([]Display(nil), c.displays...),
	}
}
