package vsockrpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/runnererr"
)

// defaultExecTimeout is used when a caller passes timeout<=0.
const defaultExecTimeout = 5 * time.Minute

// execSlack is added on top of the command's own timeout so the host's
// wait never races the guest's own enforcement of the same deadline.
const execSlack = 5 * time.Second

// maxWriteChunk is the largest base64 payload pushed per exec call when
// writing a file, keeping each "exec" message comfortably under the 1 MiB
// frame cap once JSON-escaped.
const maxWriteChunk = 65000

// GuestClient is a single VM's open guest-agent connection. One exists per
// running VM for its whole lifetime; concurrent Exec calls are safe.
type GuestClient struct {
	conn   net.Conn
	connMu sync.Mutex // serializes writes

	mu      sync.Mutex
	pending map[string]chan *Message
	closed  bool
}

func newGuestClient(ctx context.Context, conn net.Conn) (*GuestClient, error) {
	gc := &GuestClient{conn: conn, pending: map[string]chan *Message{}}
	if err := gc.handshake(ctx); err != nil {
		return nil, err
	}
	go gc.readLoop()
	return gc, nil
}

// handshake performs the guest-initiated ready/ping/pong exchange described
// in §4.4, read directly (not through the dispatch loop, which isn't
// running yet).
func (gc *GuestClient) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = gc.conn.SetDeadline(deadline)
	}
	ready, err := readMessage(gc.conn)
	if err != nil {
		return fmt.Errorf("%w: read ready: %v", runnererr.ErrGuestConnectTimeout, err)
	}
	if ready.Type != MsgReady {
		return fmt.Errorf("%w: expected ready, got %q", runnererr.ErrProtocol, ready.Type)
	}

	if err := writeMessage(gc.conn, &Message{Type: MsgPing}); err != nil {
		return fmt.Errorf("vsockrpc: handshake send ping: %w", err)
	}
	pong, err := readMessage(gc.conn)
	if err != nil {
		return fmt.Errorf("%w: read pong: %v", runnererr.ErrGuestConnectTimeout, err)
	}
	if pong.Type != MsgPong {
		return fmt.Errorf("%w: expected pong, got %q", runnererr.ErrProtocol, pong.Type)
	}

	_ = gc.conn.SetDeadline(time.Time{})
	return nil
}

// readLoop dispatches inbound messages to the pending caller by ID until
// the connection breaks, at which point it closes the client and drains
// every pending caller with ErrConnectionClosed.
func (gc *GuestClient) readLoop() {
	for {
		msg, err := readMessage(gc.conn)
		if err != nil {
			if !isBrokenConnErr(err) {
				logging.Op().Debug("vsockrpc read loop ended", "error", err)
			}
			gc.Close()
			return
		}

		gc.mu.Lock()
		ch, ok := gc.pending[msg.ID]
		gc.mu.Unlock()
		if !ok {
			logging.Op().Debug("vsockrpc dropping unmatched message", "type", msg.Type, "id", msg.ID)
			continue
		}
		ch <- msg
	}
}

func (gc *GuestClient) send(msg *Message) error {
	gc.connMu.Lock()
	defer gc.connMu.Unlock()
	return writeMessage(gc.conn, msg)
}

// Exec runs cmd as a shell command in the guest and waits for its result,
// bounded by timeout plus a fixed slack for round-trip overhead. Per §4.4,
// a command that fails inside the guest is reported as a normal result
// with a non-zero exit code, never as a Go error — Exec only returns an
// error for transport-level failures (timeout, closed connection, broken
// pipe).
func (gc *GuestClient) Exec(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil, runnererr.ErrConnectionClosed
	}
	id := uuid.NewString()
	ch := make(chan *Message, 1)
	gc.pending[id] = ch
	gc.mu.Unlock()
	defer func() {
		gc.mu.Lock()
		delete(gc.pending, id)
		gc.mu.Unlock()
	}()

	payload, err := marshalExec(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if err := gc.send(&Message{Type: MsgExec, ID: id, Payload: payload}); err != nil {
		return nil, fmt.Errorf("vsockrpc: send exec: %w", err)
	}

	timer := time.NewTimer(timeout + execSlack)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, runnererr.ErrRequestTimeout
	case msg := <-ch:
		switch msg.Type {
		case msgClosed:
			return nil, runnererr.ErrConnectionClosed
		case MsgError:
			return nil, fmt.Errorf("%w: %s", runnererr.ErrProtocol, errorMessage(msg.Payload))
		case MsgExecResult:
			return unmarshalExecResult(msg.Payload)
		default:
			return nil, fmt.Errorf("%w: unexpected response type %q", runnererr.ErrProtocol, msg.Type)
		}
	}
}

// ExecOrThrow runs cmd and returns its stdout; a non-zero exit code
// becomes a CommandFailed error.
func (gc *GuestClient) ExecOrThrow(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	result, err := gc.Exec(ctx, cmd, timeout)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("%w: %q: exit %d: %s", runnererr.ErrCommandFailed, cmd, result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// Mkdir creates path (and parents) in the guest.
func (gc *GuestClient) Mkdir(ctx context.Context, path string) error {
	_, err := gc.ExecOrThrow(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(path)), 10*time.Second)
	return err
}

// Exists reports whether path exists in the guest.
func (gc *GuestClient) Exists(ctx context.Context, path string) (bool, error) {
	result, err := gc.Exec(ctx, fmt.Sprintf("test -e %s", shellQuote(path)), 10*time.Second)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

// ReadFile reads path's contents from the guest. A non-zero exit (e.g. the
// file is missing) becomes ReadFailed.
func (gc *GuestClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	stdout, err := gc.ExecOrThrow(ctx, fmt.Sprintf("base64 %s", shellQuote(path)), 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runnererr.ErrReadFailed, err)
	}
	data, err := base64.StdEncoding.DecodeString(stripNewlines(stdout))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", runnererr.ErrReadFailed, err)
	}
	return data, nil
}

// WriteFile writes data to path in the guest, base64-chunked over multiple
// exec calls to avoid shell-quoting problems with binary content.
func (gc *GuestClient) WriteFile(ctx context.Context, path string, data []byte) error {
	return gc.writeFileVia(ctx, path, data, "tee -a")
}

// WriteFileWithSudo is WriteFile for paths the agent's unprivileged guest
// user cannot write directly.
func (gc *GuestClient) WriteFileWithSudo(ctx context.Context, path string, data []byte) error {
	return gc.writeFileVia(ctx, path, data, "sudo tee -a")
}

func (gc *GuestClient) writeFileVia(ctx context.Context, path string, data []byte, appendCmd string) error {
	quoted := shellQuote(path)
	if _, err := gc.ExecOrThrow(ctx, fmt.Sprintf("rm -f %s && touch %s", quoted, quoted), 10*time.Second); err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := maxWriteChunk
		if n > len(encoded) {
			n = len(encoded)
		}
		chunk := encoded[:n]
		encoded = encoded[n:]

		script := fmt.Sprintf("echo %s | base64 -d | %s %s > /dev/null", shellQuote(chunk), appendCmd, quoted)
		if _, err := gc.ExecOrThrow(ctx, script, 30*time.Second); err != nil {
			return err
		}
	}
	return nil
}

// IsReachable does a cheap liveness probe via `echo ok`, per §4.4.
func (gc *GuestClient) IsReachable(ctx context.Context) bool {
	gc.mu.Lock()
	closed := gc.closed
	gc.mu.Unlock()
	if closed {
		return false
	}
	stdout, err := gc.ExecOrThrow(ctx, "echo ok", 5*time.Second)
	return err == nil && stripNewlines(stdout) == "ok"
}

// Close tears down the connection and fails every in-flight Exec call with
// ErrConnectionClosed.
func (gc *GuestClient) Close() error {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil
	}
	gc.closed = true
	pending := gc.pending
	gc.pending = map[string]chan *Message{}
	gc.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- &Message{Type: msgClosed}:
		default:
		}
	}

	return gc.conn.Close()
}
