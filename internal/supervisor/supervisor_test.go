package supervisor

import (
	"context"
	"log/slog"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/exagate/internal/classifier"
	"github.com/kestrelproxy/exagate/internal/netlisten"
	"github.com/kestrelproxy/exagate/internal/poller"
	"github.com/kestrelproxy/exagate/internal/reactor"
	"github.com/kestrelproxy/exagate/internal/resolver"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	p, err := poller.New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	admission := netlisten.NewAdmissionSet(10)
	l, err := netlisten.Listen("proxy-v4", "127.0.0.1:0", 128)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	admission.Add(l)

	cm := classifier.NewManager(classifier.Config{Low: 0, High: 0}, slog.Default())

	rv, err := resolver.New(resolver.Config{Upstream: "127.0.0.1:1"}, slog.Default(), p)
	require.NoError(t, err)
	t.Cleanup(func() { rv.Close() })

	r := reactor.New(slog.Default(), p, admission, cm, rv, 0)
	return New(slog.Default(), r, cm, time.Hour, time.Second, 0)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestSupervisor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleSignalSigtermRequestsShutdown(t *testing.T) {
	s := newTestSupervisor(t)
	done := s.handleSignal(syscall.SIGTERM)
	require.True(t, done)
}

func TestHandleSignalSighupDoesNotShutdown(t *testing.T) {
	s := newTestSupervisor(t)
	done := s.handleSignal(syscall.SIGHUP)
	require.False(t, done)
}
