// Package dnswire provides a minimal RFC 1035 DNS message codec: enough to
// build an outbound A query, parse the matching response, and build a
// canned error response. It does not implement EDNS, DNSSEC, or message
// compression on the encode path — the resolver only ever talks to a small,
// fixed set of upstream recursive servers and never needs either.
package dnswire

import "errors"

// ErrWire is a sentinel wrapped with context via fmt.Errorf("...: %w", ErrWire).
var ErrWire = errors.New("dns wire error")
