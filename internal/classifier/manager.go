package classifier

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Config bounds the classifier worker pool.
type Config struct {
	Program string
	Args    []string
	Low     int // steady-state pool size
	High    int // maximum pool size under load
}

// Manager owns the worker pool, the pending-request FIFO queue, and the
// provisioning/deprovisioning elasticity described in spec.md §4.4.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	order   []string // insertion order, oldest first, for oldest()/reap
	queue   []Job    // FIFO; requeues are appended to the tail

	stats map[string]int
}

// NewManager creates a manager without spawning any workers yet; call
// Start to provision the initial pool.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		workers: map[string]*Worker{},
		stats:   map[string]int{},
	}
}

// Start spawns the initial Low workers.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.cfg.Low; i++ {
		if err := m.spawnLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) spawnLocked() error {
	w, err := Spawn(m.cfg.Program, m.cfg.Args)
	if err != nil {
		return err
	}
	m.workers[w.ID] = w
	m.order = append(m.order, w.ID)
	return nil
}

// Respawn replaces a crashed worker: closes it (best-effort) and starts a
// fresh subprocess in its place.
func (m *Manager) Respawn(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked(id)
	return m.spawnLocked()
}

func (m *Manager) reapLocked(id string) {
	if w, ok := m.workers[id]; ok {
		if w != nil {
			_ = w.Close()
		}
		delete(m.workers, id)
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// oldest returns the id of the longest-lived idle worker, for deprovisioning.
func (m *Manager) oldest() (string, bool) {
	for _, id := range m.order {
		if w := m.workers[id]; w == nil || !w.Busy() {
			return id, true
		}
	}
	return "", false
}

// Request enqueues job for classification, requeuing to the tail when
// requested (spec.md §8 FIFO property), and dispatches to an idle worker if
// one is available.
func (m *Manager) Request(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, job)
	m.dispatchLocked()
}

// Requeue re-enqueues job at the tail of the FIFO queue, exactly like a
// fresh Request, per spec.md §8's stated requeue-to-tail property.
func (m *Manager) Requeue(job Job) {
	m.Request(job)
}

func (m *Manager) dispatchLocked() {
	for len(m.queue) > 0 {
		var idle *Worker
		for _, id := range m.order {
			w := m.workers[id]
			if w != nil && !w.Busy() {
				idle = w
				break
			}
		}
		if idle == nil {
			return
		}
		job := m.queue[0]
		m.queue = m.queue[1:]
		if err := idle.Send(job); err != nil {
			m.logger.Warn("classifier: send failed, requeueing", "worker", idle.ID, "err", err)
			m.queue = append(m.queue, job)
			return
		}
	}
}

// QueueSize returns the number of jobs still waiting for a free worker.
func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// WorkerCount returns the current pool size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Provision grows the pool when the queue backs up, per spec.md §4.4:
// grow by min(max(1, min(low, (high-low)/4)), high-workers) once
// queue_size >= workers.
func (m *Manager) Provision() {
	m.mu.Lock()
	defer m.mu.Unlock()

	workers := len(m.workers)
	if workers >= m.cfg.High {
		return
	}
	if len(m.queue) < workers {
		return
	}

	step := (m.cfg.High - m.cfg.Low) / 4
	if step > m.cfg.Low {
		step = m.cfg.Low
	}
	if step < 1 {
		step = 1
	}
	room := m.cfg.High - workers
	if step > room {
		step = room
	}
	for i := 0; i < step; i++ {
		if err := m.spawnLocked(); err != nil {
			m.logger.Error("classifier: provision spawn failed", "err", err)
			return
		}
	}
}

// Deprovision reaps the oldest idle worker when load has fallen off, per
// spec.md §4.4: when queue_size < 2 and workers > low.
func (m *Manager) Deprovision() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) >= 2 || len(m.workers) <= m.cfg.Low {
		return
	}
	id, ok := m.oldest()
	if !ok {
		return
	}
	m.reapLocked(id)
}

// HandleCrash is called by the reactor when a worker's Replies channel
// closes unexpectedly (subprocess died). It synthesizes a 500 response for
// the in-flight job (if any), reaps the dead worker, and respawns a
// replacement. No hangup reply is produced.
func (m *Manager) HandleCrash(id string) (synthesized *Reply, err error) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	w.mu.Lock()
	job := w.inUse
	w.mu.Unlock()

	if err := m.Respawn(id); err != nil {
		return nil, fmt.Errorf("classifier: respawn after crash: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	reply := Reply{ClientID: job.ClientID, Command: CommandResponse, Decision: "500"}
	return &reply, nil
}

// StoreStats folds a query-string-shaped stats blob ("?key=1&key2=2") into
// the running counters. This fixes the original's storeStats defect (see
// DESIGN.md): drop a leading '?', then split on '&' — never call .split
// twice on the same value.
func (m *Manager) StoreStats(raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return
	}
	for _, kv := range strings.Split(raw, "&") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		n := 0
		fmt.Sscanf(val, "%d", &n)
		m.stats[key] += n
	}
}

// DrainReplies collects every reply currently ready on a worker's reply
// channel without blocking, and reaps+respawns any worker whose channel has
// closed (subprocess crash), synthesizing a failure reply for whatever job
// it had in flight. The reactor calls this once per tick instead of
// polling worker pipe fds directly, since Worker.readLoop already turns
// subprocess stdout into typed Reply values off the reactor goroutine.
func (m *Manager) DrainReplies() []Reply {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	var out []Reply
	for _, id := range ids {
		m.mu.Lock()
		w, ok := m.workers[id]
		m.mu.Unlock()
		if !ok || w == nil {
			continue
		}
		select {
		case reply, open := <-w.Replies:
			if !open {
				synth, err := m.HandleCrash(id)
				if err != nil {
					m.logger.Error("classifier: handle crash failed", "worker", id, "err", err)
				}
				if synth != nil {
					out = append(out, *synth)
				}
				continue
			}
			out = append(out, reply)
		default:
		}
	}
	return out
}

// Stats returns a snapshot of the aggregated counters.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out
}

// GrowCeiling raises the pool's upper and lower bounds by one step, mirroring
// the original's SIGUSR2 handler ("increase worker number"): if low is
// already at high, high grows first, then low is nudged up to at most high.
func (m *Manager) GrowCeiling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Low == m.cfg.High {
		m.cfg.High++
	}
	if m.cfg.Low+1 < m.cfg.High {
		m.cfg.Low++
	} else {
		m.cfg.Low = m.cfg.High
	}
}

// ShrinkCeiling lowers the pool's upper bound by one (never below 1) and
// clamps the lower bound to it, mirroring the original's SIGUSR1 handler
// ("decrease worker number"). A lower bound already below the new upper
// bound is left unchanged.
func (m *Manager) ShrinkCeiling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.High > 1 {
		m.cfg.High--
	}
	if m.cfg.Low > m.cfg.High {
		m.cfg.Low = m.cfg.High
	}
}

// Stop closes every worker.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		_ = w.Close()
	}
	m.workers = map[string]*Worker{}
	m.order = nil
}
