package clientconn

import "testing"

func TestCanTransitionAllowsSpecFlow(t *testing.T) {
	flow := []State{
		StateAccepted,
		StateRequestRead,
		StateAwaitingClassification,
		StateAwaitingDNS,
		StateConnectingUpstream,
		StateRelaying,
		StateClosed,
	}
	for i := 0; i < len(flow)-1; i++ {
		if !CanTransition(flow[i], flow[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", flow[i], flow[i+1])
		}
	}
}

func TestCanTransitionRejectsSkippingStates(t *testing.T) {
	if CanTransition(StateAccepted, StateConnectingUpstream) {
		t.Fatal("accepted -> connecting_upstream should not be a direct edge")
	}
}

func TestCanTransitionAllowsCloseFromAnyState(t *testing.T) {
	all := []State{
		StateAccepted, StateRequestRead, StateAwaitingClassification,
		StateAwaitingDNS, StateConnectingUpstream, StateRelaying, StateTunneling,
	}
	for _, s := range all {
		if !CanTransition(s, StateClosed) {
			t.Fatalf("expected %s -> closed to be legal", s)
		}
	}
}

func TestStateStringKnownValues(t *testing.T) {
	if StateTunneling.String() != "tunneling" {
		t.Fatalf("unexpected string for tunneling state: %q", StateTunneling.String())
	}
	if State(99).String() != "unknown" {
		t.Fatalf("expected unknown state to stringify as unknown")
	}
}
