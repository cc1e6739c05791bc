package poller

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPollerReportsReadyReadFD(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p.SetupRead("read_client")
	require.NoError(t, p.AddReadSocket("read_client", int(r.Fd())))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	ready, err := p.Poll(1000)
	require.NoError(t, err)
	require.Contains(t, ready.Read["read_client"], int(r.Fd()))
}

func TestClearReadRemovesAdmissionSet(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p.SetupRead("read_proxy")
	require.NoError(t, p.AddReadSocket("read_proxy", int(r.Fd())))
	require.NoError(t, p.ClearRead("read_proxy"))

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	ready, err := p.Poll(50)
	require.NoError(t, err)
	require.Empty(t, ready.Read["read_proxy"])
}

func TestAddReadSocketIsIdempotent(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	p.SetupRead("read_workers")
	require.NoError(t, p.AddReadSocket("read_workers", int(r.Fd())))
	require.NoError(t, p.AddReadSocket("read_workers", int(r.Fd())))
}
