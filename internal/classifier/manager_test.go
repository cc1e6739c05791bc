package classifier

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(low, high int) *Manager {
	return NewManager(Config{Low: low, High: high}, slog.Default())
}

func TestStoreStatsDropsLeadingQuestionMarkAndSplitsOnAmpersand(t *testing.T) {
	m := newTestManager(1, 1)
	m.StoreStats("?requests=5&errors=1")
	m.StoreStats("requests=3")

	stats := m.Stats()
	require.Equal(t, 8, stats["requests"])
	require.Equal(t, 1, stats["errors"])
}

func TestProvisionGrowsByBoundedStep(t *testing.T) {
	m := newTestManager(2, 10)
	m.workers = map[string]*Worker{"a": nil, "b": nil}
	m.order = []string{"a", "b"}
	m.queue = make([]Job, 2) // queue_size (2) >= workers (2): triggers growth

	// step = min(max(1, min(low=2, (high-low)/4=2)), high-workers=8) = 2
	// spawnLocked will fail (Program is empty) so Provision should bail out
	// without panicking; this test only asserts that it does not panic.
	require.NotPanics(t, func() { m.Provision() })
}

func TestDeprovisionReapsOldestWhenQuietAndAboveLow(t *testing.T) {
	m := newTestManager(1, 5)
	m.workers = map[string]*Worker{"old": nil, "new": nil}
	m.order = []string{"old", "new"}
	m.queue = nil

	require.NotPanics(t, func() { m.Deprovision() })
	require.Equal(t, 1, len(m.order))
	require.Equal(t, "new", m.order[0])
}

func TestDeprovisionLeavesPoolAtLow(t *testing.T) {
	m := newTestManager(2, 5)
	m.workers = map[string]*Worker{"a": nil, "b": nil}
	m.order = []string{"a", "b"}
	m.queue = nil

	m.Deprovision()
	require.Equal(t, 2, len(m.order))
}

func TestGrowCeilingRaisesHighThenLow(t *testing.T) {
	m := newTestManager(2, 2)
	m.GrowCeiling()
	require.Equal(t, 3, m.cfg.High)
	require.Equal(t, 3, m.cfg.Low)
}

func TestGrowCeilingNudgesLowTowardHigh(t *testing.T) {
	m := newTestManager(2, 5)
	m.GrowCeiling()
	require.Equal(t, 5, m.cfg.High)
	require.Equal(t, 3, m.cfg.Low)
}

func TestShrinkCeilingLowersHighAndClampsLow(t *testing.T) {
	m := newTestManager(3, 3)
	m.ShrinkCeiling()
	require.Equal(t, 2, m.cfg.High)
	require.Equal(t, 2, m.cfg.Low)
}

func TestShrinkCeilingNeverDropsHighBelowOne(t *testing.T) {
	m := newTestManager(1, 1)
	m.ShrinkCeiling()
	require.Equal(t, 1, m.cfg.High)
}

func TestRequestQueuesFIFOWhenNoWorkersAvailable(t *testing.T) {
	m := newTestManager(0, 0)
	m.Request(Job{ClientID: "1"})
	m.Request(Job{ClientID: "2"})
	m.Requeue(Job{ClientID: "3"})

	require.Equal(t, 3, m.QueueSize())
	require.Equal(t, "1", m.queue[0].ClientID)
	require.Equal(t, "2", m.queue[1].ClientID)
	require.Equal(t, "3", m.queue[2].ClientID)
}
