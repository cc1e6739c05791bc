// Package reactor ties the poller, listener, classifier, resolver, client
// state machine, and content manager together in the single-threaded,
// fixed-dispatch-order loop described in spec.md §4.8: each tick polls once,
// then dispatches ready fds to handlers in a fixed order — accepts first,
// then DNS, then classifier replies, then upstream I/O, then client I/O —
// so new work and queued replies are never starved by heavy client traffic.
package reactor

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"log/slog"

	"github.com/kestrelproxy/exagate/internal/classifier"
	"github.com/kestrelproxy/exagate/internal/clientconn"
	"github.com/kestrelproxy/exagate/internal/content"
	"github.com/kestrelproxy/exagate/internal/errorpages"
	"github.com/kestrelproxy/exagate/internal/netlisten"
	"github.com/kestrelproxy/exagate/internal/poller"
	"github.com/kestrelproxy/exagate/internal/resolver"
)

// Interest names, matching spec.md §4.1/§4.8's named sets exactly.
const (
	InterestReadProxy     = "read_proxy"
	InterestReadWeb       = "read_web"
	InterestReadWorkers   = "read_workers"
	InterestReadClient    = "read_client"
	InterestOpeningClient = "opening_client"
	InterestWriteClient   = "write_client"
	InterestReadDownload  = "read_download"
	InterestWriteDownload = "write_download"
	InterestOpeningDLoad  = "opening_download"
	InterestReadResolver  = "read_resolver"
	InterestWriteResolver = "write_resolver"
)

// Reactor owns every sub-system and runs the per-tick dispatch loop.
type Reactor struct {
	logger *slog.Logger

	Poller     *poller.Poller
	Admission  *netlisten.AdmissionSet
	Classifier *classifier.Manager
	Resolver   *resolver.Resolver

	clients     map[string]*clientconn.Client
	clientConns map[string]*net.TCPConn
	clientFD    map[string]int // client id -> socket fd
	fdClient    map[int]string // socket fd -> client id

	uploads  map[string]*content.Upstream // keyed by client id
	uploadFD map[string]int               // client id -> upstream fd
	fdUpload map[int]string               // upstream fd -> client id

	closeAfterFlush map[string]bool // client id -> close once its write buffer drains

	tickTimeout time.Duration

	running bool
}

// New assembles a Reactor from already-constructed sub-systems. Wiring
// (registering listener/resolver/worker fds with the poller) is the
// caller's responsibility during start-up, mirroring spec.md §4.9's
// supervisor owning process start-up before the reactor's first tick.
func New(logger *slog.Logger, p *poller.Poller, admission *netlisten.AdmissionSet, cm *classifier.Manager, rv *resolver.Resolver, tickTimeout time.Duration) *Reactor {
	return &Reactor{
		logger:          logger,
		Poller:          p,
		Admission:       admission,
		Classifier:      cm,
		Resolver:        rv,
		clients:         map[string]*clientconn.Client{},
		clientConns:     map[string]*net.TCPConn{},
		clientFD:        map[string]int{},
		fdClient:        map[int]string{},
		uploads:         map[string]*content.Upstream{},
		uploadFD:        map[string]int{},
		fdUpload:        map[int]string{},
		closeAfterFlush: map[string]bool{},
		tickTimeout:     tickTimeout,
	}
}

// Tick runs exactly one iteration of the reactor's poll-then-dispatch loop.
// It is exported directly (rather than hidden inside Run) so tests can
// drive individual ticks deterministically.
func (r *Reactor) Tick(timeoutMS int) error {
	ready, err := r.Poller.Poll(timeoutMS)
	if err != nil {
		return err
	}

	// Fixed dispatch order per spec.md §4.8.
	r.dispatchAccepts(ready)
	r.dispatchResolver(ready)
	r.dispatchClassifier(ready)
	r.dispatchUpstream(ready)
	r.dispatchClient(ready)
	return nil
}

func (r *Reactor) dispatchAccepts(ready poller.Ready) {
	for _, name := range []string{InterestReadProxy, InterestReadWeb} {
		for range ready.Read[name] {
			r.acceptOne(name)
		}
	}
}

// acceptOne accepts a single pending connection on the named listener set.
// The admission-control invariant (spec.md §3's Listener-set entry) is
// re-evaluated on every accept and every close, never assumed monotonic
// from a single event — see Reactor.OnWorkerHangup for why that matters.
func (r *Reactor) acceptOne(setName string) {
	for _, l := range r.Admission.Listeners() {
		if l.Name != setName {
			continue
		}
		conn, peer, ok, err := l.Accept()
		if err != nil {
			r.logger.Error("accept failed", "listener", setName, "error", err)
			continue
		}
		if !ok {
			continue
		}
		_ = peer

		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}

		c := clientconn.New(conn.RemoteAddr())
		fd, ferr := fdOf(tcpConn)
		if ferr != nil {
			r.logger.Error("accept: get client fd failed", "error", ferr)
			tcpConn.Close()
			continue
		}

		r.clients[c.ID] = c
		r.clientConns[c.ID] = tcpConn
		r.clientFD[c.ID] = fd
		r.fdClient[fd] = c.ID

		if err := r.Poller.AddReadSocket(InterestReadClient, fd); err != nil {
			r.logger.Error("accept: register read_client failed", "client", c.ID, "error", err)
		}

		if r.Admission.OnAccept() {
			if err := r.Poller.ClearRead(InterestReadProxy); err != nil {
				r.logger.Error("clear read_proxy failed", "error", err)
			}
			if err := r.Poller.ClearRead(InterestReadWeb); err != nil {
				r.logger.Error("clear read_web failed", "error", err)
			}
		}
	}
}

func (r *Reactor) dispatchResolver(ready poller.Ready) {
	for _, fd := range ready.Read[InterestReadResolver] {
		if err := r.Resolver.HandleReadableFD(fd); err != nil {
			r.logger.Error("resolver read failed", "error", err)
		}
	}
	for _, fd := range ready.Write[InterestWriteResolver] {
		if err := r.Resolver.HandleWritableFD(fd); err != nil {
			r.logger.Error("resolver write failed", "error", err)
		}
	}
}

// dispatchClassifier applies every reply a worker has produced since the
// last tick. Worker readiness isn't multiplexed through the poller
// (internal/classifier.Worker already drains subprocess stdout on its own
// goroutine and pushes typed Reply values onto a channel), so InterestReadWorkers
// exists for naming parity with spec.md §4.8 but carries no fds; the
// reactor drains replies unconditionally every tick instead.
func (r *Reactor) dispatchClassifier(ready poller.Ready) {
	_ = ready.Read[InterestReadWorkers]
	for _, reply := range r.Classifier.DrainReplies() {
		r.applyClassifierReply(reply)
	}
}

// applyClassifierReply advances a client's state machine according to the
// redirector's verdict, per spec.md §4.4's command table.
func (r *Reactor) applyClassifierReply(reply classifier.Reply) {
	c, ok := r.clients[reply.ClientID]
	if !ok {
		return
	}

	switch reply.Command {
	case classifier.CommandStats:
		r.Classifier.StoreStats(reply.Decision)
	case classifier.CommandRequeue:
		if c.Request != nil {
			r.Classifier.Requeue(classifier.Job{
				ClientID: c.ID,
				URL:      c.Request.TargetURL,
				ClientIP: c.Request.ForwardedFor,
				Method:   c.Request.Method,
			})
		}
	case classifier.CommandHangup:
		r.failClient(c, errorpages.BadGateway("classifier hung up on this request"))
	case classifier.CommandResponse:
		r.failClient(c, errorpages.BadGateway("request rejected: "+reply.Decision))
	case classifier.CommandRequest, classifier.CommandRewrite, classifier.CommandConnect, classifier.CommandFile:
		r.beginConnect(c, reply.Decision)
	default:
		r.logger.Warn("classifier: unrecognized command", "command", reply.Command)
	}
}

// beginConnect resolves the connect target (the classifier's rewritten
// decision, if any, otherwise the client's original request) and either
// dials straight away for a numeric IP or kicks off an asynchronous DNS
// resolution first, per spec.md §4.6's awaiting_classification ->
// {awaiting_dns | connecting_upstream} branch.
func (r *Reactor) beginConnect(c *clientconn.Client, decision string) {
	if c.Request == nil {
		r.CloseClient(c.ID)
		return
	}

	host, port := c.Request.Host, c.Request.Port
	if decision != "" {
		if u, err := url.Parse(decision); err == nil && u.Host != "" {
			host, port = u.Hostname(), u.Port()
			if port == "" {
				if u.Scheme == "https" {
					port = "443"
				} else {
					port = "80"
				}
			}
		} else if h, p, err := net.SplitHostPort(decision); err == nil {
			host, port = h, p
		} else {
			host = decision
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		r.connectUpstream(c, host, port)
		return
	}

	if err := c.NeedsDNS(c.ID); err != nil {
		r.logger.Error("client state transition failed", "client", c.ID, "error", err)
		r.CloseClient(c.ID)
		return
	}

	resolvePort := port
	if err := r.Resolver.Resolve(c.ID, host, func(ip net.IP, err error) {
		if err != nil {
			r.failClient(c, errorpages.BadGateway(err.Error()))
			return
		}
		r.connectUpstream(c, ip.String(), resolvePort)
	}); err != nil {
		r.failClient(c, errorpages.BadGateway(err.Error()))
	}
}

// connectUpstream begins a non-blocking connect to the origin and
// registers the new content.Upstream's fd for write-readiness under
// opening_download, per spec.md §4.6's connecting_upstream state. The
// handshake is completed asynchronously in completeUpstreamConnect once
// the poller reports the fd writable.
func (r *Reactor) connectUpstream(c *clientconn.Client, host, port string) {
	if err := c.ReadyToConnect(); err != nil {
		r.logger.Error("client state transition failed", "client", c.ID, "error", err)
		r.CloseClient(c.ID)
		return
	}

	up, err := content.Dial(c.ID, host, port)
	if err != nil {
		r.failClient(c, errorpages.GatewayTimeout(err.Error()))
		return
	}

	fd, err := up.FD()
	if err != nil {
		up.Close()
		r.failClient(c, errorpages.BadGateway(err.Error()))
		return
	}

	r.uploads[c.ID] = up
	r.uploadFD[c.ID] = fd
	r.fdUpload[fd] = c.ID
	if err := r.Poller.AddWriteSocket(InterestOpeningDLoad, fd); err != nil {
		r.logger.Error("register opening_download failed", "client", c.ID, "error", err)
	}
}

// completeUpstreamConnect finishes a connect begun by connectUpstream once
// opening_download reports fd writable: it checks SO_ERROR, then performs
// everything connectUpstream used to do synchronously — switching the
// client into relaying/tunneling mode, sending the CONNECT 200 line or
// queuing the buffered request bytes, and resuming client I/O interest.
func (r *Reactor) completeUpstreamConnect(fd int) {
	clientID, ok := r.fdUpload[fd]
	if !ok {
		return
	}
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	up, ok := r.uploads[clientID]
	if !ok {
		return
	}

	if err := r.Poller.RemoveWriteSocket(InterestOpeningDLoad, fd); err != nil {
		r.logger.Error("remove opening_download failed", "client", clientID, "error", err)
	}

	if err := up.CompleteConnect(); err != nil {
		r.abandonUpstream(clientID, fd)
		r.failClient(c, errorpages.GatewayTimeout(err.Error()))
		return
	}

	tunnel := c.Request != nil && c.Request.IsConnect
	if err := c.UpstreamConnected(fd, tunnel); err != nil {
		r.abandonUpstream(clientID, fd)
		r.logger.Error("client state transition failed", "client", clientID, "error", err)
		r.CloseClient(clientID)
		return
	}

	if err := r.Poller.AddReadSocket(InterestReadDownload, fd); err != nil {
		r.logger.Error("register read_download failed", "client", clientID, "error", err)
	}

	if tunnel {
		c.WriteBuffered([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	} else {
		up.QueueToUpstream(c.DrainRequestBytes())
		if err := r.Poller.AddWriteSocket(InterestWriteDownload, fd); err != nil {
			r.logger.Error("register write_download failed", "client", clientID, "error", err)
		}
	}

	if cfd, ok := r.clientFD[clientID]; ok {
		if err := r.Poller.AddReadSocket(InterestReadClient, cfd); err != nil {
			r.logger.Error("resume read_client failed", "client", clientID, "error", err)
		}
		if tunnel {
			if err := r.Poller.AddWriteSocket(InterestWriteClient, cfd); err != nil {
				r.logger.Error("add write_client failed", "client", clientID, "error", err)
			}
		}
	}
}

// abandonUpstream tears down a connect that failed (or whose client
// vanished) before it ever reached relaying/tunneling.
func (r *Reactor) abandonUpstream(clientID string, fd int) {
	if up, ok := r.uploads[clientID]; ok {
		up.Close()
		delete(r.uploads, clientID)
	}
	delete(r.uploadFD, clientID)
	delete(r.fdUpload, fd)
}

func (r *Reactor) dispatchUpstream(ready poller.Ready) {
	for _, fd := range ready.Read[InterestReadDownload] {
		r.handleUpstreamReadable(fd)
	}
	for _, fd := range ready.Write[InterestOpeningDLoad] {
		r.completeUpstreamConnect(fd)
	}
	for _, fd := range ready.Write[InterestWriteDownload] {
		r.handleUpstreamWritable(fd)
	}
}

func (r *Reactor) handleUpstreamReadable(fd int) {
	clientID, ok := r.fdUpload[fd]
	if !ok {
		return
	}
	up, ok := r.uploads[clientID]
	if !ok {
		return
	}

	n, pause, err := up.ReadFromUpstream()
	if pause {
		if e := r.Poller.RemoveReadSocket(InterestReadDownload, fd); e != nil {
			r.logger.Error("remove read_download failed", "client", clientID, "error", e)
		}
	}
	if n > 0 {
		if cfd, ok := r.clientFD[clientID]; ok {
			if e := r.Poller.AddWriteSocket(InterestWriteClient, cfd); e != nil {
				r.logger.Error("add write_client failed", "client", clientID, "error", e)
			}
		}
	}
	if err != nil {
		// Upstream closed or errored. There is no connection reuse (spec.md
		// §4.7), so the client connection follows once its buffered bytes
		// have drained.
		r.closeAfterFlush[clientID] = true
		if len(up.PendingToClient()) == 0 {
			r.CloseClient(clientID)
		}
	}
}

func (r *Reactor) handleUpstreamWritable(fd int) {
	clientID, ok := r.fdUpload[fd]
	if !ok {
		return
	}
	up, ok := r.uploads[clientID]
	if !ok {
		return
	}

	_, resume, err := up.FlushToUpstream()
	if resume {
		r.resumeClientRead(clientID)
	}
	if err != nil {
		r.CloseClient(clientID)
		return
	}
	if up.PendingToUpstream() == 0 {
		if e := r.Poller.RemoveWriteSocket(InterestWriteDownload, fd); e != nil {
			r.logger.Error("remove write_download failed", "client", clientID, "error", e)
		}
	}
}

func (r *Reactor) resumeClientRead(clientID string) {
	fd, ok := r.clientFD[clientID]
	if !ok {
		return
	}
	if err := r.Poller.AddReadSocket(InterestReadClient, fd); err != nil {
		r.logger.Error("resume read_client failed", "client", clientID, "error", err)
	}
}

func (r *Reactor) dispatchClient(ready poller.Ready) {
	for _, fd := range ready.Read[InterestReadClient] {
		r.handleClientReadable(fd)
	}
	for _, fd := range ready.Write[InterestWriteClient] {
		r.handleClientWritable(fd)
	}
	// opening_client exists for naming parity with spec.md §4.1/§4.8: every
	// listener accept() already yields a fully-established socket (no
	// client-side TLS or proxy protocol handshake to complete), so unlike
	// opening_download there is no asynchronous handshake to poll here.
	_ = ready.Read[InterestOpeningClient]
}

func (r *Reactor) handleClientReadable(fd int) {
	clientID, ok := r.fdClient[fd]
	if !ok {
		return
	}
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	conn := r.clientConns[clientID]

	buf := make([]byte, 16*1024)
	n, err := conn.Read(buf)
	if n == 0 || err != nil {
		r.CloseClient(clientID)
		return
	}

	switch c.State {
	case clientconn.StateAccepted, clientconn.StateRequestRead:
		r.feedClientHeader(c, buf[:n])
	case clientconn.StateRelaying, clientconn.StateTunneling:
		r.forwardClientBytes(c, buf[:n])
	default:
		// Bytes arriving while awaiting classification/DNS/connect stay in
		// the kernel socket buffer; read interest is deregistered for this
		// fd before that window starts (see feedClientHeader) specifically
		// to avoid landing here.
	}
}

// feedClientHeader accumulates header bytes and, once the request is fully
// read, parses it and hands it to the classifier, per spec.md §4.6.
func (r *Reactor) feedClientHeader(c *clientconn.Client, b []byte) {
	complete, err := c.FeedRequestBytes(b)
	if err != nil {
		r.failClient(c, errorpages.BadRequest(err.Error()))
		return
	}
	if !complete {
		return
	}

	req, err := clientconn.ParseRequest(c.BufferedRequestBytes(), c.Peer)
	if err != nil {
		r.failClient(c, errorpages.BadRequest(err.Error()))
		return
	}
	if req.Method == http.MethodTrace {
		r.failClient(c, errorpages.NotImplemented("TRACE is not supported"))
		return
	}

	if err := c.CompleteRequestRead(req); err != nil {
		r.logger.Error("client state transition failed", "client", c.ID, "error", err)
		r.CloseClient(c.ID)
		return
	}

	// Deregister read interest until an upstream is connected: the request
	// is fully buffered, and any body bytes a non-CONNECT request carries
	// are forwarded verbatim once relaying starts (DrainRequestBytes).
	if fd, ok := r.clientFD[c.ID]; ok {
		if err := r.Poller.RemoveReadSocket(InterestReadClient, fd); err != nil {
			r.logger.Error("remove read_client failed", "client", c.ID, "error", err)
		}
	}

	r.Classifier.Request(classifier.Job{
		ClientID: c.ID,
		URL:      req.TargetURL,
		ClientIP: req.ForwardedFor,
		Method:   req.Method,
	})
}

// forwardClientBytes relays bytes already flowing once a client is in
// relaying or tunneling mode, applying the upstream's high-water mark.
func (r *Reactor) forwardClientBytes(c *clientconn.Client, b []byte) {
	up, ok := r.uploads[c.ID]
	if !ok {
		r.CloseClient(c.ID)
		return
	}

	pause := up.QueueToUpstream(b)
	if pause {
		if fd, ok := r.clientFD[c.ID]; ok {
			if err := r.Poller.RemoveReadSocket(InterestReadClient, fd); err != nil {
				r.logger.Error("remove read_client failed", "client", c.ID, "error", err)
			}
		}
	}
	if fd, ok := r.uploadFD[c.ID]; ok {
		if err := r.Poller.AddWriteSocket(InterestWriteDownload, fd); err != nil {
			r.logger.Error("add write_download failed", "client", c.ID, "error", err)
		}
	}
}

func (r *Reactor) handleClientWritable(fd int) {
	clientID, ok := r.fdClient[fd]
	if !ok {
		return
	}
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	conn := r.clientConns[clientID]

	// The write buffer carries canned error pages and, for CONNECT, the
	// "200 Connection Established" line — always drain it first, even once
	// relaying/tunneling has begun, before falling through to pumping
	// upstream bytes.
	if pending := c.PendingWrite(); len(pending) > 0 {
		n, err := conn.Write(pending)
		if n > 0 {
			c.Consume(n)
		}
		if err != nil {
			r.CloseClient(clientID)
			return
		}
		if len(c.PendingWrite()) > 0 {
			return
		}
	}

	if c.State == clientconn.StateRelaying || c.State == clientconn.StateTunneling {
		r.drainUpstreamToClient(clientID, fd, conn)
		return
	}

	r.finishWriteClient(clientID, fd)
}

// drainUpstreamToClient flushes bytes already read from the origin out to
// the client socket, the write half of the relay/tunnel byte pipe.
func (r *Reactor) drainUpstreamToClient(clientID string, fd int, conn *net.TCPConn) {
	up, ok := r.uploads[clientID]
	if !ok {
		r.finishWriteClient(clientID, fd)
		return
	}

	pending := up.PendingToClient()
	if len(pending) == 0 {
		r.finishWriteClient(clientID, fd)
		if r.closeAfterFlush[clientID] {
			delete(r.closeAfterFlush, clientID)
			r.CloseClient(clientID)
		}
		return
	}

	n, err := conn.Write(pending)
	if n > 0 {
		if up.DrainToClient(n) {
			r.resumeUpstreamRead(clientID)
		}
	}
	if err != nil {
		r.CloseClient(clientID)
		return
	}
	if len(up.PendingToClient()) == 0 {
		r.finishWriteClient(clientID, fd)
		if r.closeAfterFlush[clientID] {
			delete(r.closeAfterFlush, clientID)
			r.CloseClient(clientID)
		}
	}
}

func (r *Reactor) resumeUpstreamRead(clientID string) {
	fd, ok := r.uploadFD[clientID]
	if !ok {
		return
	}
	if err := r.Poller.AddReadSocket(InterestReadDownload, fd); err != nil {
		r.logger.Error("resume read_download failed", "client", clientID, "error", err)
	}
}

func (r *Reactor) finishWriteClient(clientID string, fd int) {
	if err := r.Poller.RemoveWriteSocket(InterestWriteClient, fd); err != nil {
		r.logger.Error("remove write_client failed", "client", clientID, "error", err)
	}
	if r.closeAfterFlush[clientID] {
		delete(r.closeAfterFlush, clientID)
		r.CloseClient(clientID)
	}
}

// failClient delivers a canned error page if headers haven't reached the
// peer yet (spec.md §4.6), or closes outright if they already have.
func (r *Reactor) failClient(c *clientconn.Client, page errorpages.Page) {
	if c.HeadersSent() {
		r.CloseClient(c.ID)
		return
	}
	c.WriteBuffered(page.Render())
	c.Served()

	r.closeAfterFlush[c.ID] = true
	if fd, ok := r.clientFD[c.ID]; ok {
		if err := r.Poller.AddWriteSocket(InterestWriteClient, fd); err != nil {
			r.logger.Error("add write_client failed", "client", c.ID, "error", err)
		}
	}
}

// OnWorkerHangup handles a worker's pipe closing. Per the REDESIGN FLAGS
// decision (spec.md §9): a worker hangup must NOT unconditionally re-arm the
// listeners' read interest. client_count may still be at or above
// max_clients for reasons unrelated to worker capacity, so admission is
// re-evaluated from current state instead of assumed to have freed up.
func (r *Reactor) OnWorkerHangup(workerID string) {
	reply, err := r.Classifier.HandleCrash(workerID)
	if err != nil {
		r.logger.Error("worker respawn failed", "worker", workerID, "error", err)
	}
	if reply != nil {
		r.logger.Warn("worker crashed mid-request, synthesized failure reply", "client", reply.ClientID)
		r.applyClassifierReply(*reply)
	}
	// Deliberately does not call r.Admission-related re-arm logic here.
	// Client-count-driven re-arming happens only in CloseClient, which
	// re-checks client_count < max_clients explicitly.
}

// CloseClient tears down a client's state and, if this close drops
// client_count below max_clients, re-arms the listeners.
func (r *Reactor) CloseClient(clientID string) {
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	c.Close()
	delete(r.clients, clientID)
	delete(r.closeAfterFlush, clientID)

	if conn, ok := r.clientConns[clientID]; ok {
		conn.Close()
		delete(r.clientConns, clientID)
	}
	if fd, ok := r.clientFD[clientID]; ok {
		_ = r.Poller.RemoveReadSocket(InterestReadClient, fd)
		_ = r.Poller.RemoveWriteSocket(InterestWriteClient, fd)
		delete(r.fdClient, fd)
		delete(r.clientFD, clientID)
	}

	if up, ok := r.uploads[clientID]; ok {
		_ = up.Close()
		delete(r.uploads, clientID)
	}
	if fd, ok := r.uploadFD[clientID]; ok {
		_ = r.Poller.RemoveReadSocket(InterestReadDownload, fd)
		_ = r.Poller.RemoveWriteSocket(InterestWriteDownload, fd)
		_ = r.Poller.RemoveWriteSocket(InterestOpeningDLoad, fd)
		delete(r.fdUpload, fd)
		delete(r.uploadFD, clientID)
	}

	if r.Admission.OnClose() {
		for _, l := range r.Admission.Listeners() {
			fd, err := l.FD()
			if err != nil {
				r.logger.Error("re-arm listener: fd", "listener", l.Name, "error", err)
				continue
			}
			if err := r.Poller.AddReadSocket(l.Name, fd); err != nil {
				r.logger.Error("re-arm listener: add read socket", "listener", l.Name, "error", err)
			}
		}
	}
}

// ClientCount exposes the current admitted client count for tests and
// supervisors.
func (r *Reactor) ClientCount() int {
	return r.Admission.ClientCount()
}

// fdOf extracts the raw file descriptor behind a TCP connection, for
// registering it with the poller under a named interest set.
func fdOf(conn *net.TCPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	return fd, ctrlErr
}
