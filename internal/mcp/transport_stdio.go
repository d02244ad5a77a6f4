package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineBytes caps a single JSON-RPC line from the subprocess. Tool
// results can be large but anything past this is a protocol violation.
const maxLineBytes = 1 << 20

// defaultCallTimeout bounds a request round trip when the server config
// does not set one.
const defaultCallTimeout = 30 * time.Second

var (
	errNotConnected = errors.New("not connected")
	errClosed       = errors.New("transport closed")
	errExited       = errors.New("tool server process exited")
)

// stdioTransport runs a tool server as a child process and exchanges
// newline-delimited JSON-RPC messages over its stdin and stdout. One
// goroutine owns stdout and routes responses to in-flight callers by
// request id; a second drains stderr into the debug log.
type stdioTransport struct {
	cfg *ServerConfig
	log *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu       sync.Mutex
	inflight map[int64]chan *rpcResponse
	seq      atomic.Int64

	alive atomic.Bool
	quit  chan struct{}
	once  sync.Once
	eof   chan struct{}
	wg    sync.WaitGroup
}

func newStdioTransport(cfg *ServerConfig) *stdioTransport {
	return &stdioTransport{
		cfg:      cfg,
		log:      slog.Default().With("mcp_server", cfg.ID, "transport", "stdio"),
		inflight: make(map[int64]chan *rpcResponse),
		quit:     make(chan struct{}),
		eof:      make(chan struct{}),
	}
}

// Connect spawns the subprocess and wires up its pipes. The process is
// deliberately not tied to ctx: the connection outlives the HTTP request
// that established it and is killed explicitly by Close.
func (t *stdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Command == "" {
		return errors.New("command is required for stdio transport")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = childEnv(t.cfg.Env)
	if t.cfg.WorkDir != "" {
		cmd.Dir = t.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.alive.Store(true)
	t.log.Info("started tool server process",
		"command", t.cfg.Command,
		"pid", cmd.Process.Pid)

	t.wg.Add(1)
	go t.pumpStdout(stdout)

	if stderr != nil {
		t.wg.Add(1)
		go t.pumpStderr(stderr)
	}
	return nil
}

// childEnv builds the subprocess environment: the parent environment
// with server overrides appended. exec gives later entries precedence,
// so overrides shadow parent values while PATH and everything else fall
// through untouched.
func childEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// Close kills the subprocess and reaps it. Idempotent.
func (t *stdioTransport) Close() error {
	t.alive.Store(false)
	t.once.Do(func() { close(t.quit) })

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	t.wg.Wait()

	if t.cmd != nil {
		_ = t.cmd.Wait() // reap, no zombie
		t.cmd = nil
	}
	return nil
}

// Connected reports whether the transport is usable.
func (t *stdioTransport) Connected() bool {
	return t.alive.Load()
}

// Call sends one request and blocks for its response, the context, the
// configured timeout, or transport death, whichever comes first.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.alive.Load() {
		return nil, errNotConnected
	}

	id := t.seq.Add(1)
	ch := make(chan *rpcResponse, 1)

	t.mu.Lock()
	t.inflight[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, id)
		t.mu.Unlock()
	}()

	if err := t.send(rpcRequest{Version: "2.0", ID: id, Method: method}, params); err != nil {
		return nil, err
	}

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.unpack()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.quit:
		return nil, errClosed
	case <-t.eof:
		// Stdout closed under us. A response may have raced the exit;
		// take it if so, otherwise nothing is coming.
		select {
		case resp := <-ch:
			return resp.unpack()
		default:
			return nil, errExited
		}
	}
}

// Notify sends a notification; no response is expected or waited for.
func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.alive.Load() {
		return errNotConnected
	}
	return t.send(rpcNotice{Version: "2.0", Method: method}, params)
}

// send marshals params into the envelope and writes one framed line.
func (t *stdioTransport) send(envelope any, params any) error {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}

	switch e := envelope.(type) {
	case rpcRequest:
		e.Params = raw
		envelope = e
	case rpcNotice:
		e.Params = raw
		envelope = e
	}

	line, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// pumpStdout reads lines until the process exits or Close fires, routing
// each response to the caller waiting on its id.
func (t *stdioTransport) pumpStdout(stdout io.Reader) {
	defer t.wg.Done()
	defer t.alive.Store(false)
	defer close(t.eof)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-t.quit:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.dispatch([]byte(line))
	}

	if err := scanner.Err(); err != nil {
		t.log.Error("stdout read error", "error", err)
	}
}

// dispatch routes one inbound message. Responses wake their caller;
// server-initiated notifications are logged and dropped.
func (t *stdioTransport) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
		id, ok := normalizeID(resp.ID)
		if !ok {
			t.log.Warn("unexpected response id type", "id", resp.ID)
			return
		}

		t.mu.Lock()
		ch, found := t.inflight[id]
		if found {
			delete(t.inflight, id)
		}
		t.mu.Unlock()

		if found {
			select {
			case ch <- &resp:
			default:
			}
		}
		return
	}

	var note rpcNotice
	if err := json.Unmarshal(line, &note); err == nil && note.Method != "" {
		t.log.Debug("server notification", "method", note.Method)
	}
}

// normalizeID coerces a decoded JSON-RPC id to the int64 the inflight
// map is keyed by. Plain decoding yields float64.
func normalizeID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

func (t *stdioTransport) pumpStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.quit:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.log.Debug("server stderr", "message", line)
		}
	}
}
