// Package resolver implements the asynchronous DNS resolver described in
// spec.md §4.5: UDP-primary queries with on-demand TCP fallback on
// truncation, an insertion-ordered cache with a bounded expiry sweep, and a
// timeout sweep over in-flight queries.
package resolver

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrelproxy/exagate/internal/dnswire"
	"github.com/kestrelproxy/exagate/internal/poller"
)

// Interest set names the resolver registers its own fds under. These match
// reactor.InterestReadResolver/InterestWriteResolver by value; the resolver
// can't import the reactor package (which already imports resolver), so it
// owns its own copies of the two names it needs, the same way every named
// interest set in this codebase is just a plain string agreed on by
// convention rather than a shared type.
const (
	interestReadResolver  = "read_resolver"
	interestWriteResolver = "write_resolver"
)

// queryKey de-multiplexes in-flight queries, mirroring the original's
// (worker_id, transport_id) keying.
type queryKey struct {
	workerID    string
	transportID uint16
}

// pendingQuery is one outstanding resolution, tracked in the active list for
// the timeout sweep.
type pendingQuery struct {
	key       queryKey
	hostname  string // for the "forhost" mismatch check on response
	startedAt time.Time
	seq       uint64 // monotonic tiebreaker, see DESIGN.md decision #2
	onDone    func(net.IP, error)

	tcp *tcpFallback // non-nil once promoted to a TCP retry
}

// tcpFallback tracks one in-flight, non-blocking TCP retry of a query whose
// UDP response was truncated, per spec.md §4.5. It is driven entirely by
// write_resolver/read_resolver readiness — no blocking socket calls.
type tcpFallback struct {
	fd        int
	startedAt time.Time

	out []byte // remaining bytes of the length-prefixed query still to send

	lenBuf   [2]byte
	lenGot   int
	haveLen  bool
	body     []byte
	bodyGot  int
}

// Config bounds resolver behavior.
type Config struct {
	Upstream      string // "ip:53"
	UDPTimeout    time.Duration
	TCPTimeout    time.Duration
	DefaultTTL    time.Duration
	SweepPerTick  int // ExpireSweep's maxScan
	QueryTimeout  time.Duration
}

// Resolver is the reactor's DNS sub-system. It owns the UDP socket, an
// on-demand TCP connection for truncated responses, the cache, and the
// active-query list. It is not safe for concurrent use by more than one
// goroutine except where noted — like the rest of the reactor's
// sub-systems, it's driven from the single reactor goroutine.
type Resolver struct {
	cfg    Config
	logger *slog.Logger

	poller *poller.Poller

	conn  *net.UDPConn
	udpFD int
	next  uint16 // next transaction id to assign

	cache *Cache

	mu      sync.Mutex
	active  map[queryKey]*pendingQuery
	seqNext uint64

	tcp map[int]*tcpFallback // fd -> in-flight TCP retry, sending or receiving
}

// New creates a resolver bound to an ephemeral local UDP port, ready to send
// queries to cfg.Upstream. p is used to register/deregister the resolver's
// own TCP-fallback sockets directly, mirroring how the original's
// ResolverManager holds the poller and drives sending/resolving transitions
// itself rather than routing every registration through the reactor.
func New(cfg Config, logger *slog.Logger, p *poller.Poller) (*Resolver, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("resolver: listen udp: %w", err)
	}
	if cfg.SweepPerTick <= 0 {
		cfg.SweepPerTick = 64
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}

	r := &Resolver{
		cfg:    cfg,
		logger: logger,
		poller: p,
		conn:   conn,
		cache:  NewCache(),
		active: map[queryKey]*pendingQuery{},
		tcp:    map[int]*tcpFallback{},
	}
	fd, err := r.FD()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolver: udp fd: %w", err)
	}
	r.udpFD = fd
	return r, nil
}

// FD returns the UDP socket's file descriptor for poller registration under
// "read_resolver".
func (r *Resolver) FD() (int, error) {
	raw, err := r.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	return fd, ctrlErr
}

// Resolve begins resolving hostname, calling onDone exactly once with either
// a cached/answered address or an error. A cache hit calls onDone
// synchronously before Resolve returns. When Resolve itself returns an
// error, onDone is not called.
func (r *Resolver) Resolve(workerID, hostname string, onDone func(net.IP, error)) error {
	if addr, ok := r.cache.Get(hostname); ok {
		onDone(addr, nil)
		return nil
	}

	transportID := r.next
	r.next++

	q, err := dnswire.BuildQuery(transportID, hostname)
	if err != nil {
		return fmt.Errorf("resolver: build query: %w", err)
	}
	wire, err := q.Marshal()
	if err != nil {
		return fmt.Errorf("resolver: marshal query: %w", err)
	}

	upstream, err := net.ResolveUDPAddr("udp", r.cfg.Upstream)
	if err != nil {
		return fmt.Errorf("resolver: resolve upstream: %w", err)
	}
	if _, err := r.conn.WriteToUDP(wire, upstream); err != nil {
		return fmt.Errorf("resolver: send query: %w", err)
	}

	r.mu.Lock()
	r.seqNext++
	key := queryKey{workerID: workerID, transportID: transportID}
	r.active[key] = &pendingQuery{
		key:       key,
		hostname:  dnswire.NormalizeName(hostname),
		startedAt: time.Now(),
		seq:       r.seqNext,
		onDone:    onDone,
	}
	r.mu.Unlock()
	return nil
}

// HandleReadableFD is called by the reactor for every fd ready under
// read_resolver: the one long-lived UDP socket, or one of the resolver's own
// TCP fallback sockets once its query has been fully sent.
func (r *Resolver) HandleReadableFD(fd int) error {
	if fd == r.udpFD {
		return r.handleUDPReadable()
	}
	if _, ok := r.tcp[fd]; ok {
		return r.continueReceiving(fd)
	}
	return nil
}

// HandleWritableFD is called by the reactor for every fd ready under
// write_resolver: a TCP fallback socket either still connecting or still
// sending its length-prefixed query.
func (r *Resolver) HandleWritableFD(fd int) error {
	if _, ok := r.tcp[fd]; ok {
		return r.continueSending(fd)
	}
	return nil
}

// handleUDPReadable reads one datagram, matches it to a pending query,
// validates the "forhost" question echo, and either completes the query,
// re-arms it on mismatch, or promotes it to TCP on truncation.
func (r *Resolver) handleUDPReadable() error {
	buf := make([]byte, dnswire.MaxIncomingMessageSize)
	n, _, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return err
	}
	resp, err := dnswire.ParseResponse(buf[:n])
	if err != nil {
		return fmt.Errorf("resolver: parse response: %w", err)
	}

	r.mu.Lock()
	pq, ok := r.findActiveLocked(resp.Header.ID)
	r.mu.Unlock()
	if !ok {
		return nil // no matching query; drop (spoofed or already timed out)
	}

	gotHost := dnswire.NormalizeName(resp.Questions[0].Name)
	if gotHost != pq.hostname {
		// forhost mismatch: a stale or misdirected response for a
		// different name under the same transaction id. Re-arm: keep
		// waiting rather than completing with the wrong answer.
		return nil
	}

	if dnswire.IsTruncated(resp.Header.Flags) {
		return r.promoteToTCP(pq)
	}

	r.completeQuery(pq, resp, nil)
	return nil
}

// findActiveLocked finds the pending query matching a transaction id. The
// original keys on (worker_id, transport_id); since transport_id already
// carries the reactor-assigned transaction id and collisions across workers
// are resolved by scanning, this keeps the lookup a simple linear scan over
// what is, in practice, a small active set.
func (r *Resolver) findActiveLocked(transportID uint16) (*pendingQuery, bool) {
	for k, pq := range r.active {
		if k.transportID == transportID {
			return pq, true
		}
	}
	return nil, false
}

func (r *Resolver) completeQuery(pq *pendingQuery, resp dnswire.Packet, queryErr error) {
	r.mu.Lock()
	delete(r.active, pq.key)
	r.mu.Unlock()

	if pq.tcp != nil {
		r.cleanupTCP(pq.tcp.fd)
		pq.tcp = nil
	}

	if queryErr != nil {
		pq.onDone(nil, queryErr)
		return
	}

	rcode := dnswire.RCodeFromFlags(resp.Header.Flags)
	if rcode != dnswire.RCodeNoError {
		pq.onDone(nil, fmt.Errorf("resolver: upstream rcode %d", rcode))
		return
	}

	for _, ans := range resp.Answers {
		if ip, ok := ans.IPv4(); ok {
			ttl := time.Duration(ans.TTL) * time.Second
			if ttl <= 0 {
				ttl = r.cfg.DefaultTTL
			}
			r.cache.Set(pq.hostname, ip, ttl)
			pq.onDone(ip, nil)
			return
		}
	}
	pq.onDone(nil, fmt.Errorf("resolver: no A record for %s", pq.hostname))
}

// promoteToTCP begins a non-blocking TCP retry of the query when the UDP
// response was truncated, per spec.md §4.5: a non-blocking socket is
// created and connect(2) issued; the send (and, once connect completes and
// the query is fully written, the receive) is driven entirely by
// write_resolver/read_resolver readiness via continueSending/
// continueReceiving, never by a blocking call on the reactor goroutine.
func (r *Resolver) promoteToTCP(pq *pendingQuery) error {
	q, err := dnswire.BuildQuery(pq.key.transportID, pq.hostname)
	if err != nil {
		return err
	}
	wire, err := q.Marshal()
	if err != nil {
		return err
	}
	out := make([]byte, 2+len(wire))
	binary.BigEndian.PutUint16(out, uint16(len(wire)))
	copy(out[2:], wire)

	addr, err := net.ResolveTCPAddr("tcp", r.cfg.Upstream)
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp resolve: %w", err))
		return nil
	}

	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp socket: %w", err))
		return nil
	}
	sa, err := tcpSockaddr(domain, addr)
	if err != nil {
		unix.Close(fd)
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp sockaddr: %w", err))
		return nil
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp connect: %w", err))
		return nil
	}

	tq := &tcpFallback{fd: fd, startedAt: time.Now(), out: out}
	pq.tcp = tq
	r.tcp[fd] = tq
	if err := r.poller.AddWriteSocket(interestWriteResolver, fd); err != nil {
		unix.Close(fd)
		delete(r.tcp, fd)
		pq.tcp = nil
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: register write_resolver: %w", err))
	}
	return nil
}

// tcpSockaddr converts a resolved *net.TCPAddr into the unix.Sockaddr
// connect(2) expects, for the given address family.
func tcpSockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
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

// continueSending is driven by write_resolver readiness. On each call for
// fd it verifies the non-blocking connect actually succeeded (SO_ERROR),
// then writes as much of the pending query as the socket accepts; once
// fully sent it swaps write_resolver for read_resolver interest, per
// spec.md §4.5.
func (r *Resolver) continueSending(fd int) error {
	tq, ok := r.tcp[fd]
	if !ok {
		return nil
	}
	pq, ok := r.findTCPQuery(fd)
	if !ok {
		r.cleanupTCP(fd)
		return nil
	}

	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp getsockopt: %w", err))
		return nil
	}
	if errno != 0 {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp connect: %w", unix.Errno(errno)))
		return nil
	}

	n, err := unix.Write(fd, tq.out)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil
	}
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp write: %w", err))
		return nil
	}
	tq.out = tq.out[n:]
	if len(tq.out) > 0 {
		return nil
	}

	if err := r.poller.RemoveWriteSocket(interestWriteResolver, fd); err != nil {
		r.logger.Error("resolver: remove write_resolver failed", "error", err)
	}
	if err := r.poller.AddReadSocket(interestReadResolver, fd); err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: register read_resolver: %w", err))
	}
	return nil
}

// continueReceiving is driven by read_resolver readiness for a TCP fallback
// fd: it first fills the 2-byte length prefix, then the response body,
// incrementally across however many reads the non-blocking socket needs.
func (r *Resolver) continueReceiving(fd int) error {
	tq, ok := r.tcp[fd]
	if !ok {
		return nil
	}
	pq, ok := r.findTCPQuery(fd)
	if !ok {
		r.cleanupTCP(fd)
		return nil
	}

	if !tq.haveLen {
		n, err := unix.Read(fd, tq.lenBuf[tq.lenGot:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		if err != nil {
			r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp read length: %w", err))
			return nil
		}
		if n == 0 {
			r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp read length: connection closed"))
			return nil
		}
		tq.lenGot += n
		if tq.lenGot < len(tq.lenBuf) {
			return nil
		}
		tq.haveLen = true
		respLen := binary.BigEndian.Uint16(tq.lenBuf[:])
		tq.body = make([]byte, respLen)
		if respLen == 0 {
			resp, err := dnswire.ParseResponse(tq.body)
			if err != nil {
				r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp parse: %w", err))
				return nil
			}
			r.completeQuery(pq, resp, nil)
			return nil
		}
	}

	n, err := unix.Read(fd, tq.body[tq.bodyGot:])
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil
	}
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp read body: %w", err))
		return nil
	}
	if n == 0 {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp read body: connection closed"))
		return nil
	}
	tq.bodyGot += n
	if tq.bodyGot < len(tq.body) {
		return nil
	}

	resp, err := dnswire.ParseResponse(tq.body)
	if err != nil {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: tcp parse: %w", err))
		return nil
	}
	r.completeQuery(pq, resp, nil)
	return nil
}

// findTCPQuery finds the pending query a TCP fallback fd belongs to.
func (r *Resolver) findTCPQuery(fd int) (*pendingQuery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pq := range r.active {
		if pq.tcp != nil && pq.tcp.fd == fd {
			return pq, true
		}
	}
	return nil, false
}

// cleanupTCP deregisters and closes a TCP fallback socket. Safe to call more
// than once for the same fd.
func (r *Resolver) cleanupTCP(fd int) {
	if _, ok := r.tcp[fd]; !ok {
		return
	}
	_ = r.poller.RemoveReadSocket(interestReadResolver, fd)
	_ = r.poller.RemoveWriteSocket(interestWriteResolver, fd)
	unix.Close(fd)
	delete(r.tcp, fd)
}

// Sweep runs the cache expiry sweep and the active-query timeout sweep; the
// supervisor calls it on each maintenance tick.
func (r *Resolver) Sweep(timeout time.Duration) (cacheEvicted int, timedOut int) {
	cacheEvicted = r.cache.ExpireSweep(r.cfg.SweepPerTick)

	now := time.Now()
	r.mu.Lock()
	var expired []*pendingQuery
	for _, pq := range r.active {
		tcpStale := pq.tcp != nil && r.cfg.TCPTimeout > 0 && now.Sub(pq.tcp.startedAt) >= r.cfg.TCPTimeout
		if now.Sub(pq.startedAt) >= timeout || tcpStale {
			expired = append(expired, pq)
		}
	}
	r.mu.Unlock()

	// Sort by (startedAt, seq) so ties between same-tick registrations
	// resolve deterministically — the monotonic tiebreaker decision in
	// DESIGN.md — rather than relying on wall-clock equality.
	for i := 0; i < len(expired); i++ {
		for j := i + 1; j < len(expired); j++ {
			if expired[j].startedAt.Before(expired[i].startedAt) ||
				(expired[j].startedAt.Equal(expired[i].startedAt) && expired[j].seq < expired[i].seq) {
				expired[i], expired[j] = expired[j], expired[i]
			}
		}
	}

	for _, pq := range expired {
		r.completeQuery(pq, dnswire.Packet{}, fmt.Errorf("resolver: query timed out"))
		timedOut++
	}
	return cacheEvicted, timedOut
}

// Close releases the UDP socket and any in-flight TCP fallback sockets.
func (r *Resolver) Close() error {
	for fd := range r.tcp {
		r.cleanupTCP(fd)
	}
	return r.conn.Close()
}
