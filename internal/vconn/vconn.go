// Package vconn implements the non-blocking transport the rconn core
// treats as an external collaborator (spec.md §6): a raw, non-blocking
// TCP socket carrying framed OF messages. Reads and writes never block;
// a transient EAGAIN/EWOULDBLOCK is surfaced as ErrTryAgain so the core
// can re-attempt on its next tick, mirroring the readiness-polling style
// used for PTY I/O elsewhere in this codebase.
package vconn

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/onkernel/rconn/internal/ofp"
)

// ErrTryAgain is returned by Connect/Send/Recv when the operation would
// block on the underlying non-blocking socket. It is never surfaced to
// rconn's callers; the core absorbs it into a re-attempt on the next tick.
var ErrTryAgain = errors.New("vconn: try again")

// ErrClosed is returned by Send/Recv/Connect on a transport that has
// already been closed.
var ErrClosed = errors.New("vconn: closed")

// maxFrame bounds a single read(2); large enough for any OF control
// message this package ever needs to move.
const maxFrame = 64 * 1024

// Transport is the interface internal/rconn depends on. TCP is the only
// production implementation; tests substitute their own fake.
type Transport interface {
	Connect() error
	Send(buf *ofp.Buf) error
	Recv() (*ofp.Buf, error)
	Close() error
	Name() string
	LocalIP() net.IP
	LocalPort() int
	RemoteIP() net.IP
	RemotePort() int
}

// TCP is a non-blocking TCP vconn. Open it with Open.
type TCP struct {
	name string

	mu        sync.Mutex
	fd        int
	connected bool
	closed    bool

	localIP    net.IP
	localPort  int
	remoteIP   net.IP
	remotePort int
}

// Open resolves name as a host:port pair, creates a non-blocking TCP
// socket, and caches local/remote address info as soon as it is known
// (remote immediately, local once the connection completes). Per
// spec.md §3, these stay valid after Close so address-dependent higher
// layers keep working across reconnects.
func Open(name string) (*TCP, error) {
	host, portStr, err := net.SplitHostPort(name)
	if err != nil {
		return nil, fmt.Errorf("vconn: invalid name %q: %w", name, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("vconn: resolve %q: %w", host, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("vconn: invalid port in %q: %w", name, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vconn: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("vconn: set nonblock: %w", err)
	}

	t := &TCP{
		name:       name,
		fd:         fd,
		remoteIP:   ips[0],
		remotePort: port,
	}
	return t, nil
}

// Connect drives the non-blocking connect(2) handshake. It returns
// ErrTryAgain while the connection is still in progress.
func (t *TCP) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return nil
	}

	var sa unix.SockaddrInet4
	ip4 := t.remoteIP.To4()
	if ip4 == nil {
		return fmt.Errorf("vconn: only IPv4 is supported, got %s", t.remoteIP)
	}
	copy(sa.Addr[:], ip4)
	sa.Port = t.remotePort

	err := unix.Connect(t.fd, &sa)
	switch {
	case err == nil:
		// Fell through immediately (e.g. localhost); fine.
	case errors.Is(err, unix.EINPROGRESS):
		if ready, serr := t.writable(); serr != nil {
			return fmt.Errorf("vconn: poll connect: %w", serr)
		} else if !ready {
			return ErrTryAgain
		}
		if serr, _ := unix.GetsockoptInt(t.fd, unix.SOL_SOCKET, unix.SO_ERROR); serr != 0 {
			return fmt.Errorf("vconn: connect: %w", unix.Errno(serr))
		}
	case errors.Is(err, unix.EALREADY):
		return ErrTryAgain
	case errors.Is(err, unix.EISCONN):
		// A handshake begun by an earlier call has since completed.
	default:
		return fmt.Errorf("vconn: connect: %w", err)
	}

	if sockName, err := unix.Getsockname(t.fd); err == nil {
		if in4, ok := sockName.(*unix.SockaddrInet4); ok {
			t.localIP = net.IP(in4.Addr[:])
			t.localPort = in4.Port
		}
	}
	t.connected = true
	return nil
}

// writable polls the socket for write-readiness without blocking.
func (t *TCP) writable() (bool, error) {
	pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		return false, err
	}
	return n > 0 && pfd[0].Revents&unix.POLLOUT != 0, nil
}

// Send writes buf's bytes in full or returns ErrTryAgain having written
// none of it (OF control messages are small enough to fit a single
// socket buffer in practice). A short write returns an error; the
// unwritten remainder is not retried.
func (t *TCP) Send(buf *ofp.Buf) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	data := buf.Bytes()
	n, err := unix.Write(t.fd, data)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrTryAgain
		}
		return fmt.Errorf("vconn: write: %w", err)
	}
	if n < len(data) {
		return fmt.Errorf("vconn: short write (%d of %d bytes)", n, len(data))
	}
	return nil
}

// Recv reads one frame. This minimal transport treats each read(2) as
// one message, matching the one-message-per-datagram shape OF control
// traffic has in practice for the core's purposes.
func (t *TCP) Recv() (*ofp.Buf, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	buf := make([]byte, maxFrame)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, ErrTryAgain
		}
		return nil, fmt.Errorf("vconn: read: %w", err)
	}
	if n == 0 {
		return nil, errEOF
	}
	return ofp.New(buf[:n]), nil
}

// errEOF is returned by Recv when the peer closed the connection.
var errEOF = errors.New("vconn: eof")

// IsEOF reports whether err denotes a clean peer shutdown.
func IsEOF(err error) bool {
	return errors.Is(err, errEOF)
}

// Close closes the socket. Idempotent.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}

// Name returns the peer identifier this transport was opened with.
func (t *TCP) Name() string { return t.name }

// LocalIP returns the cached local address, valid once Connect succeeds.
func (t *TCP) LocalIP() net.IP { return t.localIP }

// LocalPort returns the cached local port, valid once Connect succeeds.
func (t *TCP) LocalPort() int { return t.localPort }

// RemoteIP returns the resolved remote address, cached at Open.
func (t *TCP) RemoteIP() net.IP { return t.remoteIP }

// RemotePort returns the resolved remote port, cached at Open.
func (t *TCP) RemotePort() int { return t.remotePort }

// Fd returns the underlying file descriptor, for use by internal/pollloop
// to arm readiness polling. Not part of the Transport interface.
func (t *TCP) Fd() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fd
}
