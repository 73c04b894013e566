package vsockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/sandboxd/internal/runnererr"
)

// dialGuest connects to the host listener as the guest side would, for
// test purposes only — production guest code lives outside this module.
func dialGuest(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path+"_1000")
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func acceptWithHandshake(t *testing.T, ln *Listener, guest net.Conn) *GuestClient {
	t.Helper()
	acceptErr := make(chan error, 1)
	var gc *GuestClient
	go func() {
		var err error
		gc, err = ln.Accept(context.Background())
		acceptErr <- err
	}()

	if err := writeMessage(guest, &Message{Type: MsgReady}); err != nil {
		t.Fatal(err)
	}
	ping, err := readMessage(guest)
	if err != nil {
		t.Fatal(err)
	}
	if ping.Type != MsgPing {
		t.Fatalf("expected ping, got %q", ping.Type)
	}
	if err := writeMessage(guest, &Message{Type: MsgPong}); err != nil {
		t.Fatal(err)
	}

	if err := <-acceptErr; err != nil {
		t.Fatal(err)
	}
	return gc
}

func TestHandshakeAndExecRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	guest := dialGuest(t, sockPath)
	defer guest.Close()

	gc := acceptWithHandshake(t, ln, guest)
	defer gc.Close()

	// Simulate the guest answering one exec request.
	go func() {
		req, err := readMessage(guest)
		if err != nil {
			return
		}
		if req.Type != MsgExec {
			return
		}
		data, _ := json.Marshal(ExecResult{ExitCode: 0, Stdout: "hi\n"})
		_ = writeMessage(guest, &Message{Type: MsgExecResult, ID: req.ID, Payload: data})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := gc.Exec(ctx, "echo hi", 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "hi\n" || result.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecOrThrowSurfacesNonZeroExit(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	guest := dialGuest(t, sockPath)
	defer guest.Close()

	gc := acceptWithHandshake(t, ln, guest)
	defer gc.Close()

	go func() {
		req, err := readMessage(guest)
		if err != nil {
			return
		}
		data, _ := json.Marshal(ExecResult{ExitCode: 1, Stderr: "boom"})
		_ = writeMessage(guest, &Message{Type: MsgExecResult, ID: req.ID, Payload: data})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := gc.ExecOrThrow(ctx, "false", 2*time.Second); err == nil {
		t.Fatal("expected non-zero exit to produce an error")
	}
}

func TestCloseDrainsPendingExec(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	guest := dialGuest(t, sockPath)

	gc := acceptWithHandshake(t, ln, guest)

	// Breaking the guest side without answering must unblock the pending
	// Exec call via the read loop's EOF -> Close path, not the timeout.
	go func() {
		time.Sleep(20 * time.Millisecond)
		guest.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = gc.Exec(ctx, "sleep 100", 10*time.Second)
	if !errors.Is(err, runnererr.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed once the guest connection breaks, got %v", err)
	}
}

func TestExecAfterCloseReturnsConnectionClosed(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "vsock.sock")
	ln, err := Listen(sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	guest := dialGuest(t, sockPath)
	defer guest.Close()

	gc := acceptWithHandshake(t, ln, guest)
	if err := gc.Close(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = gc.Exec(ctx, "true", time.Second)
	if err != runnererr.ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
