package clientconn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", s)
	require.NoError(t, err)
	return addr
}

func TestNewClientStartsAccepted(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	require.Equal(t, StateAccepted, c.State)
	require.NotEmpty(t, c.ID)
}

func TestFeedRequestBytesDetectsHeaderTerminator(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))

	complete, err := c.FeedRequestBytes([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n"))
	require.NoError(t, err)
	require.False(t, complete)

	complete, err = c.FeedRequestBytes([]byte("\r\n"))
	require.NoError(t, err)
	require.True(t, complete)
}

func TestFeedRequestBytesRejectsOversizedHeader(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	huge := make([]byte, MaxHeaderSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := c.FeedRequestBytes(huge)
	require.Error(t, err)
}

func TestGetRequestFollowsAwaitingClassificationToConnecting(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	req, err := ParseRequest([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"), "10.0.0.1:4321")
	require.NoError(t, err)

	require.NoError(t, c.CompleteRequestRead(req))
	require.Equal(t, StateAwaitingClassification, c.State)

	require.NoError(t, c.NeedsDNS("w1:7"))
	require.Equal(t, StateAwaitingDNS, c.State)

	require.NoError(t, c.ReadyToConnect())
	require.Equal(t, StateConnectingUpstream, c.State)

	require.NoError(t, c.UpstreamConnected(42, false))
	require.Equal(t, StateRelaying, c.State)
}

func TestConnectRequestTunnels(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	req, err := ParseRequest([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"), "10.0.0.1:4321")
	require.NoError(t, err)
	require.True(t, req.IsConnect)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, "443", req.Port)

	require.NoError(t, c.CompleteRequestRead(req))
	require.NoError(t, c.ReadyToConnect())
	require.NoError(t, c.UpstreamConnected(7, true))
	require.Equal(t, StateTunneling, c.State)
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	err := c.transition(StateRelaying)
	require.Error(t, err)
}

func TestHeadersSentGatesErrorPageFallback(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	require.False(t, c.HeadersSent())
	c.Served()
	require.True(t, c.HeadersSent())
}

func TestPendingWriteAndConsume(t *testing.T) {
	c := New(mustAddr(t, "127.0.0.1:5000"))
	c.WriteBuffered([]byte("hello"))
	require.Equal(t, []byte("hello"), c.PendingWrite())
	c.Consume(3)
	require.Equal(t, []byte("lo"), c.PendingWrite())
}
