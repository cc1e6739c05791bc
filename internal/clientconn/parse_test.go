package clientconn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestAbsoluteFormGET(t *testing.T) {
	req, err := ParseRequest([]byte("GET http://example.com:8080/path HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"), "203.0.113.9:1234")
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.False(t, req.IsConnect)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, "8080", req.Port)
	require.Equal(t, "203.0.113.9", req.ForwardedFor)
}

func TestParseRequestDefaultsPortWhenAbsent(t *testing.T) {
	req, err := ParseRequest([]byte("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"), "203.0.113.9:1234")
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, "80", req.Port)
}

func TestParseRequestRejectsOriginFormTarget(t *testing.T) {
	_, err := ParseRequest([]byte("GET /path HTTP/1.1\r\nHost: example.com\r\n\r\n"), "203.0.113.9:1234")
	require.Error(t, err)
}

func TestParseRequestConnect(t *testing.T) {
	req, err := ParseRequest([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"), "203.0.113.9:1234")
	require.NoError(t, err)
	require.True(t, req.IsConnect)
	require.Equal(t, "example.com", req.Host)
	require.Equal(t, "443", req.Port)
}

func TestParseRequestMalformedReturnsError(t *testing.T) {
	_, err := ParseRequest([]byte("not a request\r\n\r\n"), "203.0.113.9:1234")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "parse request"))
}
