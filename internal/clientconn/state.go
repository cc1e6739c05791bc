// Package clientconn implements the per-connection client state machine
// described in spec.md §4.6: accepted -> request_read ->
// awaiting_classification -> awaiting_dns -> connecting_upstream ->
// relaying/tunneling -> closed.
package clientconn

// State is an explicit tagged enum for the client's position in its
// lifecycle, per the REDESIGN FLAGS note in spec.md §9 asking for a tagged
// union instead of implicit flag combinations.
type State int

const (
	StateAccepted State = iota
	StateRequestRead
	StateAwaitingClassification
	StateAwaitingDNS
	StateConnectingUpstream
	StateRelaying
	StateTunneling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateRequestRead:
		return "request_read"
	case StateAwaitingClassification:
		return "awaiting_classification"
	case StateAwaitingDNS:
		return "awaiting_dns"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateRelaying:
		return "relaying"
	case StateTunneling:
		return "tunneling"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the edges of the state machine. A transition
// not listed here is a programming error, not a runtime condition to
// tolerate silently.
var validTransitions = map[State][]State{
	StateAccepted:               {StateRequestRead, StateClosed},
	StateRequestRead:            {StateAwaitingClassification, StateClosed},
	StateAwaitingClassification: {StateAwaitingDNS, StateConnectingUpstream, StateClosed},
	StateAwaitingDNS:            {StateConnectingUpstream, StateClosed},
	StateConnectingUpstream:     {StateRelaying, StateTunneling, StateClosed},
	StateRelaying:               {StateClosed},
	StateTunneling:              {StateClosed},
	StateClosed:                 {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
