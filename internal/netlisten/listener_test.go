package netlisten

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmissionSetDisablesAtMaxClients(t *testing.T) {
	a := NewAdmissionSet(2)

	require.False(t, a.OnAccept()) // 1/2
	require.True(t, a.OnAccept())  // 2/2, crosses the limit
	require.False(t, a.Admitting())
}

func TestAdmissionSetReenablesBelowMaxClients(t *testing.T) {
	a := NewAdmissionSet(2)
	a.OnAccept()
	a.OnAccept()
	require.False(t, a.Admitting())

	require.True(t, a.OnClose())
	require.True(t, a.Admitting())
	require.Equal(t, 1, a.ClientCount())
}

func TestAdmissionSetClientCountNeverNegative(t *testing.T) {
	a := NewAdmissionSet(5)
	a.OnClose()
	require.Equal(t, 0, a.ClientCount())
}

func TestListenAndAccept(t *testing.T) {
	l, err := Listen("proxy-v4", "127.0.0.1:0", 128)
	require.NoError(t, err)
	defer l.Close()

	fd, err := l.FD()
	require.NoError(t, err)
	require.Greater(t, fd, 0)
}
