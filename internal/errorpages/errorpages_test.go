package errorpages

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBadRequestRendersStatusLine(t *testing.T) {
	p := BadRequest("unknown method FOO")
	out := string(p.Render())
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"))
	require.Contains(t, out, "unknown method FOO")
}

func TestNotImplementedIs501(t *testing.T) {
	p := NotImplemented("TRACE unsupported")
	require.Equal(t, 501, p.Status)
}

func TestRenderContentLengthMatchesBody(t *testing.T) {
	p := BadGateway("upstream refused connection")
	out := string(p.Render())
	idx := strings.Index(out, "\r\n\r\n")
	require.True(t, idx >= 0)
	body := out[idx+4:]

	var declared int
	for _, line := range strings.Split(out[:idx], "\r\n") {
		if strings.HasPrefix(line, "Content-Length: ") {
			n, err := strconv.Atoi(strings.TrimPrefix(line, "Content-Length: "))
			require.NoError(t, err)
			declared = n
		}
	}
	require.Equal(t, declared, len(body))
}

func TestGatewayTimeoutIs504(t *testing.T) {
	require.Equal(t, 504, GatewayTimeout("dns query timed out").Status)
}
