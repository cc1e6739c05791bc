package resolver

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/exagate/internal/dnswire"
	"github.com/kestrelproxy/exagate/internal/poller"
)

func newTestPoller(t *testing.T) *poller.Poller {
	t.Helper()
	p, err := poller.New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// driveTick runs one readability/writability pass over every fd the
// resolver currently has registered, standing in for a reactor tick.
func driveTick(t *testing.T, r *Resolver, p *poller.Poller, timeoutMS int) {
	t.Helper()
	ready, err := p.Poll(timeoutMS)
	require.NoError(t, err)
	for _, fd := range ready.Read["read_resolver"] {
		require.NoError(t, r.HandleReadableFD(fd))
	}
	for _, fd := range ready.Write["write_resolver"] {
		require.NoError(t, r.HandleWritableFD(fd))
	}
}

// fakeUpstream is a minimal UDP DNS server used to drive the resolver
// end-to-end without touching the network.
type fakeUpstream struct {
	conn *net.UDPConn
}

func startFakeUpstream(t *testing.T, respond func(req dnswire.Packet) dnswire.Packet) *fakeUpstream {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := dnswire.ParsePacket(buf[:n])
			if err != nil {
				continue
			}
			resp := respond(req)
			wire, err := resp.Marshal()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, addr)
		}
	}()

	return &fakeUpstream{conn: conn}
}

func (f *fakeUpstream) addr() string { return f.conn.LocalAddr().String() }
func (f *fakeUpstream) close()       { f.conn.Close() }

func answeringUpstream(ip net.IP, ttl uint32) func(dnswire.Packet) dnswire.Packet {
	return func(req dnswire.Packet) dnswire.Packet {
		rr, _ := dnswire.NewARecord(req.Questions[0].Name, ip, ttl)
		return dnswire.Packet{
			Header: dnswire.Header{
				ID:      req.Header.ID,
				Flags:   dnswire.QRFlag | dnswire.RDFlag | dnswire.RAFlag,
				QDCount: 1,
				ANCount: 1,
			},
			Questions: req.Questions,
			Answers:   []dnswire.Record{rr},
		}
	}
}

func TestResolveCacheHitSkipsNetwork(t *testing.T) {
	p := newTestPoller(t)
	r, err := New(Config{Upstream: "127.0.0.1:1"}, slog.Default(), p)
	require.NoError(t, err)
	defer r.Close()

	r.cache.Set("cached.example.com", net.IPv4(9, 9, 9, 9), time.Minute)

	var got net.IP
	err = r.Resolve("w1", "cached.example.com", func(ip net.IP, e error) {
		got = ip
		require.NoError(t, e)
	})
	require.NoError(t, err)
	require.True(t, got.Equal(net.IPv4(9, 9, 9, 9)))
}

func TestResolveRoundTripPopulatesCache(t *testing.T) {
	up := startFakeUpstream(t, answeringUpstream(net.IPv4(5, 6, 7, 8), 60))
	defer up.close()

	p := newTestPoller(t)
	r, err := New(Config{Upstream: up.addr(), DefaultTTL: time.Minute}, slog.Default(), p)
	require.NoError(t, err)
	defer r.Close()
	fd, err := r.FD()
	require.NoError(t, err)
	require.NoError(t, p.AddReadSocket("read_resolver", fd))

	done := make(chan net.IP, 1)
	require.NoError(t, r.Resolve("w1", "live.example.com", func(ip net.IP, e error) {
		require.NoError(t, e)
		done <- ip
	}))

	driveTick(t, r, p, 1000)

	select {
	case ip := <-done:
		require.True(t, ip.Equal(net.IPv4(5, 6, 7, 8)))
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}

	cached, ok := r.cache.Get("live.example.com")
	require.True(t, ok)
	require.True(t, cached.Equal(net.IPv4(5, 6, 7, 8)))
}

func TestHandleReadableIgnoresForhostMismatch(t *testing.T) {
	up := startFakeUpstream(t, func(req dnswire.Packet) dnswire.Packet {
		// Respond with an answer for a *different* name than was asked,
		// simulating a misdirected/forged response.
		mismatched := req
		mismatched.Questions = []dnswire.Question{{Name: "wrong.example.com", Type: req.Questions[0].Type, Class: req.Questions[0].Class}}
		return answeringUpstream(net.IPv4(1, 1, 1, 1), 60)(mismatched)
	})
	defer up.close()

	p := newTestPoller(t)
	r, err := New(Config{Upstream: up.addr(), DefaultTTL: time.Minute}, slog.Default(), p)
	require.NoError(t, err)
	defer r.Close()
	fd, err := r.FD()
	require.NoError(t, err)
	require.NoError(t, p.AddReadSocket("read_resolver", fd))

	called := false
	require.NoError(t, r.Resolve("w1", "right.example.com", func(ip net.IP, e error) {
		called = true
	}))

	driveTick(t, r, p, 1000)

	require.False(t, called, "mismatched forhost response must not complete the query")
	require.Equal(t, 1, len(r.active))
}

// fakeTCPUpstream is a minimal length-prefixed DNS-over-TCP server used to
// drive the non-blocking TCP fallback end-to-end.
type fakeTCPUpstream struct {
	ln net.Listener
}

func startFakeTCPUpstream(t *testing.T, respond func(req dnswire.Packet) dnswire.Packet) *fakeTCPUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				lenBuf := make([]byte, 2)
				if _, err := io.ReadFull(conn, lenBuf); err != nil {
					return
				}
				body := make([]byte, binary.BigEndian.Uint16(lenBuf))
				if _, err := io.ReadFull(conn, body); err != nil {
					return
				}
				req, err := dnswire.ParsePacket(body)
				if err != nil {
					return
				}
				resp := respond(req)
				wire, err := resp.Marshal()
				if err != nil {
					return
				}
				out := make([]byte, 2+len(wire))
				binary.BigEndian.PutUint16(out, uint16(len(wire)))
				copy(out[2:], wire)
				conn.Write(out)
			}(conn)
		}
	}()

	return &fakeTCPUpstream{ln: ln}
}

func (f *fakeTCPUpstream) addr() string { return f.ln.Addr().String() }
func (f *fakeTCPUpstream) close()       { f.ln.Close() }

// TestTCPFallbackCompletesAsynchronously exercises the full non-blocking TCP
// retry path — promoteToTCP's async connect, continueSending's write, and
// continueReceiving's incremental length-prefix/body read — all via
// driveTick rather than any blocking call. This test invokes promoteToTCP
// directly against a pending query to isolate the TCP state machine itself;
// handleUDPReadable's TC-bit detection that triggers promoteToTCP is not
// exercised by any test in this file.
func TestTCPFallbackCompletesAsynchronously(t *testing.T) {
	tcpUp := startFakeTCPUpstream(t, answeringUpstream(net.IPv4(10, 20, 30, 40), 30))
	defer tcpUp.close()

	host, port, err := net.SplitHostPort(tcpUp.addr())
	require.NoError(t, err)

	p := newTestPoller(t)
	r, err := New(Config{Upstream: net.JoinHostPort(host, port), DefaultTTL: time.Minute, TCPTimeout: time.Second}, slog.Default(), p)
	require.NoError(t, err)
	defer r.Close()
	fd, err := r.FD()
	require.NoError(t, err)
	require.NoError(t, p.AddReadSocket("read_resolver", fd))

	done := make(chan net.IP, 1)
	r.mu.Lock()
	r.seqNext++
	key := queryKey{workerID: "w1", transportID: 42}
	pq := &pendingQuery{
		key:       key,
		hostname:  dnswire.NormalizeName("tcp.example.com"),
		startedAt: time.Now(),
		seq:       r.seqNext,
		onDone: func(ip net.IP, e error) {
			require.NoError(t, e)
			done <- ip
		},
	}
	r.active[key] = pq
	r.mu.Unlock()

	require.NoError(t, r.promoteToTCP(pq))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ip := <-done:
			require.True(t, ip.Equal(net.IPv4(10, 20, 30, 40)))
			return
		default:
		}
		driveTick(t, r, p, 100)
	}
	t.Fatal("tcp fallback did not complete")
}

func TestSweepTimesOutExactlyOnce(t *testing.T) {
	p := newTestPoller(t)
	r, err := New(Config{Upstream: "127.0.0.1:1"}, slog.Default(), p)
	require.NoError(t, err)
	defer r.Close()

	calls := 0
	require.NoError(t, r.Resolve("w1", "slow.example.com", func(ip net.IP, e error) {
		calls++
		require.Error(t, e)
	}))

	time.Sleep(5 * time.Millisecond)
	_, timedOut := r.Sweep(time.Millisecond)
	require.Equal(t, 1, timedOut)
	require.Equal(t, 1, calls)

	// A second sweep must not re-fire for the same (already-removed) query.
	_, timedOut2 := r.Sweep(time.Millisecond)
	require.Equal(t, 0, timedOut2)
	require.Equal(t, 1, calls)
}
