// Package content implements the upstream/download manager described in
// spec.md §4.7: one non-blocking TCP socket per client, per-direction
// buffers with high/low water mark flow control, and a clean split between
// plain relay mode and opaque CONNECT tunnel mode. Neither mode parses
// HTTP beyond the initial request the client state machine already parsed;
// once connected, both are byte pipes.
package content

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kestrelproxy/exagate/internal/pool"
)

// BufferSize is the size of each pooled relay buffer.
const BufferSize = 32 * 1024

// DefaultHighWaterMark and DefaultLowWaterMark bound the per-direction
// write buffer before read interest on the *other* side is paused/resumed,
// per spec.md §4.7.
const (
	DefaultHighWaterMark = 256 * 1024
	DefaultLowWaterMark  = 64 * 1024
)

var buffers = pool.NewBufferPool(BufferSize)

// Upstream is one client's connection to the origin/next-hop server. The
// socket is created non-blocking up front; Dial returns before the TCP
// handshake completes, and CompleteConnect finishes it once the poller
// reports the fd writable under opening_download, per spec.md §4.6's
// connecting_upstream state.
type Upstream struct {
	ClientID string
	fd       int
	opening  bool

	HighWaterMark int
	LowWaterMark  int

	toClient   []byte // buffered bytes read from upstream, awaiting write to client
	toUpstream []byte // buffered bytes read from client, awaiting write to upstream

	readPaused  bool // read_download interest deregistered due to backpressure
	writePaused bool // read_client interest deregistered because toUpstream hit the high-water mark

	closed bool
}

// Dial creates a non-blocking socket and begins connecting to host:port for
// clientID, matching the standard non-blocking connect idiom: the socket is
// created with SOCK_NONBLOCK, connect(2) is issued and expected to return
// EINPROGRESS, and the returned Upstream is in the "opening" phase. Callers
// must register its fd for write-readiness under opening_download and call
// CompleteConnect once the poller reports it writable.
func Dial(clientID, host, port string) (*Upstream, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("content: resolve %s:%s: %w", host, port, err)
	}

	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("content: socket %s:%s: %w", host, port, err)
	}

	sa, err := sockaddrFor(domain, addr)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("content: sockaddr %s:%s: %w", host, port, err)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("content: connect %s:%s: %w", host, port, err)
	}

	return &Upstream{
		ClientID:      clientID,
		fd:            fd,
		opening:       true,
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
	}, nil
}

// sockaddrFor converts a resolved *net.TCPAddr into the unix.Sockaddr
// connect(2) expects, for the given address family.
func sockaddrFor(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		ip := addr.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("not an IPv6 address: %s", addr.IP)
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", addr.IP)
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}

// FD returns the upstream socket's file descriptor for poller registration.
func (u *Upstream) FD() (int, error) {
	return u.fd, nil
}

// Opening reports whether the connect(2) issued by Dial is still in flight.
func (u *Upstream) Opening() bool {
	return u.opening
}

// CompleteConnect finishes a non-blocking connect once the poller reports
// the fd writable under opening_download. It checks SO_ERROR to determine
// whether the handshake succeeded, per the standard non-blocking connect
// completion idiom.
func (u *Upstream) CompleteConnect() error {
	errno, err := unix.GetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("content: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("content: connect: %w", unix.Errno(errno))
	}
	u.opening = false
	return nil
}

// ReadFromUpstream reads available bytes from upstream into the
// client-bound buffer, applying the high-water mark: once toClient exceeds
// HighWaterMark, it reports that read_download should be deregistered.
func (u *Upstream) ReadFromUpstream() (n int, pauseRead bool, err error) {
	buf := buffers.Get()
	defer buffers.Put(buf)

	n, err = unix.Read(u.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, false, nil
	}
	if n > 0 {
		u.toClient = append(u.toClient, buf[:n]...)
	}
	if n == 0 && err == nil {
		err = fmt.Errorf("content: upstream closed")
	}
	if len(u.toClient) >= u.HighWaterMark && !u.readPaused {
		u.readPaused = true
		pauseRead = true
	}
	return n, pauseRead, err
}

// DrainToClient returns the bytes pending delivery to the client and
// reports whether enough has drained to fall below the low-water mark
// (signalling read_download should be re-armed).
func (u *Upstream) DrainToClient(flushed int) (resumeRead bool) {
	if flushed > len(u.toClient) {
		flushed = len(u.toClient)
	}
	u.toClient = u.toClient[flushed:]
	if u.readPaused && len(u.toClient) <= u.LowWaterMark {
		u.readPaused = false
		resumeRead = true
	}
	return resumeRead
}

// PendingToClient returns the bytes buffered for the client direction.
func (u *Upstream) PendingToClient() []byte {
	return u.toClient
}

// QueueToUpstream buffers client-read bytes destined for the upstream
// socket, applying the same high/low water mark symmetry in the other
// direction.
func (u *Upstream) QueueToUpstream(b []byte) (pauseClientRead bool) {
	u.toUpstream = append(u.toUpstream, b...)
	if len(u.toUpstream) >= u.HighWaterMark && !u.writePaused {
		u.writePaused = true
		pauseClientRead = true
	}
	return pauseClientRead
}

// FlushToUpstream writes as much of the buffered upstream-bound data as the
// socket accepts without blocking.
func (u *Upstream) FlushToUpstream() (n int, resumeClientRead bool, err error) {
	if len(u.toUpstream) == 0 {
		return 0, false, nil
	}
	n, err = unix.Write(u.fd, u.toUpstream)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, false, nil
	}
	if n > 0 {
		u.toUpstream = u.toUpstream[n:]
	}
	if u.writePaused && len(u.toUpstream) <= u.LowWaterMark {
		u.writePaused = false
		resumeClientRead = true
	}
	return n, resumeClientRead, err
}

// PendingToUpstream reports how many bytes are queued for the upstream
// socket but not yet written.
func (u *Upstream) PendingToUpstream() int {
	return len(u.toUpstream)
}

// Close tears down the upstream connection. No connection reuse, per
// spec.md §4.7.
func (u *Upstream) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return unix.Close(u.fd)
}
