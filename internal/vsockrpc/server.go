package vsockrpc

import (
	"context"
	"fmt"
	"net"
	"os"
)

// Listener accepts the guest's single vsock connection for one VM. Per
// §4.4, the guest agent dials CID 2, port 1000; Firecracker exposes that
// as a connection to the Unix socket at {vsockPath}_1000 on the host.
type Listener struct {
	ln   net.Listener
	path string
}

// Listen binds the host-side listening socket for a VM's vsock path.
func Listen(vsockPath string) (*Listener, error) {
	path := vsockPath + "_1000"
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vsockrpc: listen %s: %w", path, err)
	}
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks for the guest's connection and performs the ready/ping/pong
// handshake, or returns ctx's error if it is cancelled first.
func (l *Listener) Accept(ctx context.Context) (*GuestClient, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		gc, err := newGuestClient(ctx, r.conn)
		if err != nil {
			r.conn.Close()
			return nil, err
		}
		return gc, nil
	}
}

// Close releases the listening socket and removes it from the filesystem.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}
