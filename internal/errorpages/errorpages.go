// Package errorpages holds the canned HTML bodies the client state machine
// falls back to when a request fails after being accepted but before any
// response headers have reached the peer, per spec.md §4.6 and §5's error
// taxonomy ("client-visible HTTP" errors).
package errorpages

import "fmt"

// Page is one canned error response: the status line's reason phrase and
// the HTML body wrapped around it.
type Page struct {
	Status int
	Reason string
	Body   string
}

const bodyTemplate = `<html>
<head><title>%d %s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`

func newPage(status int, reason, detail string) Page {
	return Page{
		Status: status,
		Reason: reason,
		Body:   fmt.Sprintf(bodyTemplate, status, reason, reason, detail),
	}
}

// BadRequest is served for malformed requests and unknown methods (spec.md
// §4.3 step 2's "400 INVALID REQUEST").
func BadRequest(detail string) Page {
	return newPage(400, "Bad Request", detail)
}

// NotImplemented is served for TRACE, per spec.md §4.3 step 5.
func NotImplemented(detail string) Page {
	return newPage(501, "Not Implemented", detail)
}

// BadGateway is served when DNS resolution fails or times out, and when the
// classifier rejects a request or hangs up on it.
func BadGateway(detail string) Page {
	return newPage(502, "Bad Gateway", detail)
}

// GatewayTimeout is served when the upstream connect fails.
func GatewayTimeout(detail string) Page {
	return newPage(504, "Gateway Timeout", detail)
}

// Render produces the full HTTP/1.1 response, status line and headers
// included, ready to write to the client socket. It is always sent as an
// HTTP 200-status-line-free real status: spec.md's "200 wrapper" language
// describes the state machine's fallback mechanism (serve a body instead of
// tearing down the connection), not a requirement to lie about the status
// code, so the real status is used here.
func (p Page) Render() []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		p.Status, p.Reason, len(p.Body), p.Body,
	))
}
