// Package netlisten owns the proxy's listening sockets and the global
// admission-control decision of whether to keep accepting new clients.
package netlisten

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listener wraps one non-blocking listening socket.
type Listener struct {
	Name string // poller read-interest set the listener is registered under, e.g. "read_proxy", "read_web"

	ln *net.TCPListener
}

// Listen opens a TCP listening socket on addr with SO_REUSEADDR set. The
// backlog argument is accepted but not applied; the kernel backlog is the
// one Go's net package chooses.
func Listen(name, addr string, backlog int) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	raw, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netlisten: listen %s: %w", addr, err)
	}
	ln, ok := raw.(*net.TCPListener)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("netlisten: unexpected listener type for %s", addr)
	}
	_ = backlog // not applied: net.ListenConfig has no backlog option

	return &Listener{Name: name, ln: ln}, nil
}

// FD returns the underlying socket file descriptor, suitable for
// registration with the poller's read_proxy set.
func (l *Listener) FD() (int, error) {
	raw, err := l.ln.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

// Accept accepts at most one connection per call, mirroring the original
// generator-based accept(). It goes through Go's listener, which blocks
// until a connection is pending; it does not return early when none is.
// It returns (nil, "", false, nil) only for a timeout error, which occurs
// only when a deadline has been set on the listener.
func (l *Listener) Accept() (net.Conn, string, bool, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, "", false, nil
		}
		return nil, "", false, err
	}
	ip := conn.RemoteAddr().String()
	if host, _, splitErr := net.SplitHostPort(ip); splitErr == nil {
		ip = host
	}
	return conn, ip, true, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// AdmissionSet owns the set of listeners and the global client-count gate
// described in spec.md §3/§4.2: listening sockets are removed from
// read-interest once client_count reaches max_clients, and re-added once it
// drops back below — but only if the reactor asks for re-evaluation (see the
// worker-hangup REDESIGN FLAGS decision in DESIGN.md: a hangup alone doesn't
// unconditionally re-arm the listeners).
type AdmissionSet struct {
	mu          sync.Mutex
	listeners   map[string]*Listener
	maxClients  int
	clientCount int
	admitting   bool
}

// NewAdmissionSet creates an admission gate for the given client limit.
func NewAdmissionSet(maxClients int) *AdmissionSet {
	return &AdmissionSet{
		listeners:  map[string]*Listener{},
		maxClients: maxClients,
		admitting:  true,
	}
}

// Add registers a listener under the gate.
func (a *AdmissionSet) Add(l *Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners[l.Name] = l
}

// Listeners returns a snapshot of the registered listeners.
func (a *AdmissionSet) Listeners() []*Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l)
	}
	return out
}

// OnAccept increments client_count. Returns true if admission should now be
// disabled (client_count reached max_clients).
func (a *AdmissionSet) OnAccept() (shouldDisable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clientCount++
	if a.clientCount >= a.maxClients && a.admitting {
		a.admitting = false
		return true
	}
	return false
}

// OnClose decrements client_count. Returns true if admission should now be
// re-enabled (client_count dropped below max_clients and it was previously
// disabled).
func (a *AdmissionSet) OnClose() (shouldEnable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.clientCount > 0 {
		a.clientCount--
	}
	if !a.admitting && a.clientCount < a.maxClients {
		a.admitting = true
		return true
	}
	return false
}

// ClientCount returns the current admitted client count.
func (a *AdmissionSet) ClientCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientCount
}

// Admitting reports whether the listeners are currently registered for read
// interest (i.e. new connections are being accepted).
func (a *AdmissionSet) Admitting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.admitting
}
