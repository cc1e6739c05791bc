package clientconn

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// MaxHeaderSize bounds the request line + header block read from a client
// before request_read gives up and closes the connection, per spec.md §4.6.
const MaxHeaderSize = 64 * 1024

// headerTerminator is the CRLFCRLF sequence marking the end of the request
// header block.
var headerTerminator = []byte("\r\n\r\n")

// Request is the parsed HTTP request envelope spec.md §3 names as part of
// the Client's data model.
type Request struct {
	Method        string
	TargetURL     string
	Host          string
	Port          string
	ForwardedFor  string
	IsConnect     bool
	RawHeaderSize int
}

// Client is one accepted connection's full state, per spec.md §3's "Client"
// data model entry: peer address, read/write buffers, the parsed request,
// current state, optional upstream fd, optional pending resolver id.
type Client struct {
	ID   string
	Peer string

	State State

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	Request *Request

	UpstreamFD      int
	HasUpstreamFD   bool
	PendingQueryKey string // opaque resolver query handle, empty if none outstanding

	headersSentToPeer bool
}

// New creates a Client in the accepted state for a freshly accepted
// connection, minting an opaque client_id the way spec.md §3 requires
// ("monotonically assigned" is satisfied here with a UUID, since the
// reactor's sub-systems can be restarted independently — see DESIGN.md).
func New(peer net.Addr) *Client {
	return &Client{
		ID:    uuid.NewString(),
		Peer:  peer.String(),
		State: StateAccepted,
	}
}

// transition moves the client to `to`, returning an error if the edge is
// not legal from the client's current state.
func (c *Client) transition(to State) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("clientconn: illegal transition %s -> %s for client %s", c.State, to, c.ID)
	}
	c.State = to
	return nil
}

// FeedRequestBytes appends newly-read bytes to the client's read buffer and
// reports whether a full header block (terminated by CRLFCRLF) is now
// present. Returns an error if the buffered, still-unterminated data would
// exceed MaxHeaderSize.
func (c *Client) FeedRequestBytes(b []byte) (headerComplete bool, err error) {
	c.readBuf.Write(b)
	if c.readBuf.Len() > MaxHeaderSize && !bytes.Contains(c.readBuf.Bytes(), headerTerminator) {
		return false, fmt.Errorf("clientconn: request header exceeds %d bytes", MaxHeaderSize)
	}
	return bytes.Contains(c.readBuf.Bytes(), headerTerminator), nil
}

// CompleteRequestRead transitions accepted -> request_read once the header
// block is fully buffered, per spec.md §4.6.
func (c *Client) CompleteRequestRead(req *Request) error {
	if err := c.transition(StateRequestRead); err != nil {
		return err
	}
	c.Request = req
	return c.transition(StateAwaitingClassification)
}

// NeedsDNS transitions awaiting_classification -> awaiting_dns, used when
// the classifier reply requires a hostname lookup before the upstream
// connection can be opened.
func (c *Client) NeedsDNS(queryKey string) error {
	c.PendingQueryKey = queryKey
	return c.transition(StateAwaitingDNS)
}

// ReadyToConnect transitions to connecting_upstream, from either
// awaiting_classification (a direct numeric-IP target, no DNS needed) or
// awaiting_dns (a resolver answer arrived).
func (c *Client) ReadyToConnect() error {
	c.PendingQueryKey = ""
	return c.transition(StateConnectingUpstream)
}

// UpstreamConnected transitions connecting_upstream -> relaying (plain
// proxying) or tunneling (post-CONNECT opaque byte pipe), recording the
// upstream fd.
func (c *Client) UpstreamConnected(fd int, tunnel bool) error {
	c.UpstreamFD = fd
	c.HasUpstreamFD = true
	if tunnel {
		return c.transition(StateTunneling)
	}
	return c.transition(StateRelaying)
}

// Served marks headers as sent to the peer; after this point a failure must
// close the connection outright rather than attempt the canned error page,
// per spec.md §4.6 ("if headers have not been sent to the client yet").
func (c *Client) Served() {
	c.headersSentToPeer = true
}

// HeadersSent reports whether a response has already begun streaming to
// the client.
func (c *Client) HeadersSent() bool {
	return c.headersSentToPeer
}

// Close transitions the client to closed from any state. It is always a
// legal edge (see validTransitions) and idempotent.
func (c *Client) Close() {
	c.State = StateClosed
}

// BufferedRequestBytes returns the raw bytes accumulated so far while
// reading the request header, for parsing once FeedRequestBytes reports the
// header block complete.
func (c *Client) BufferedRequestBytes() []byte {
	return c.readBuf.Bytes()
}

// DrainRequestBytes returns the raw header bytes read during request_read
// and clears the buffer. The plain-relay path (spec.md §4.7) forwards these
// bytes verbatim to the upstream connection once it is established, rather
// than re-serializing the parsed Request.
func (c *Client) DrainRequestBytes() []byte {
	b := append([]byte(nil), c.readBuf.Bytes()...)
	c.readBuf.Reset()
	return b
}

// WriteBuffered appends data to the client's pending write buffer (data
// destined for the peer, e.g. a canned error page or relayed upstream
// bytes).
func (c *Client) WriteBuffered(b []byte) {
	c.writeBuf.Write(b)
}

// PendingWrite returns the bytes not yet flushed to the peer.
func (c *Client) PendingWrite() []byte {
	return c.writeBuf.Bytes()
}

// Consume drops n flushed bytes from the front of the pending write buffer.
func (c *Client) Consume(n int) {
	c.writeBuf.Next(n)
}
