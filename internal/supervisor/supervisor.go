// Package supervisor drives process-level start-up, shutdown, reload, and
// the periodic maintenance tick described in spec.md §4.9 and §6, adapted
// from the original's signal table (TERM/HUP/ALRM/USR1/USR2/TRAP/INFO) onto
// Go's os/signal plus a time.Ticker standing in for SIGALRM.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelproxy/exagate/internal/classifier"
	"github.com/kestrelproxy/exagate/internal/reactor"
)

// Supervisor owns the signal channel, the maintenance ticker, and the
// reactor/classifier lifecycle.
type Supervisor struct {
	logger       *slog.Logger
	reactor      *reactor.Reactor
	classifier   *classifier.Manager
	alarmTime    time.Duration
	pollTimeout  int // ms, passed to reactor.Tick
	sweepTimeout time.Duration

	sigCh chan os.Signal
}

// New creates a Supervisor around an already-wired Reactor and Classifier
// Manager.
func New(logger *slog.Logger, r *reactor.Reactor, cm *classifier.Manager, alarmTime, sweepTimeout time.Duration, pollTimeoutMS int) *Supervisor {
	return &Supervisor{
		logger:       logger,
		reactor:      r,
		classifier:   cm,
		alarmTime:    alarmTime,
		sweepTimeout: sweepTimeout,
		pollTimeout:  pollTimeoutMS,
		sigCh:        make(chan os.Signal, 8),
	}
}

// Run starts listening for signals and drives the reactor loop until ctx is
// cancelled or a termination signal arrives. It mirrors the original's
// run() structure: toggle-debug/shutdown/reload checks, spawn-limit
// adjustment, provisioning, one reactor tick, then maintenance on the timer.
func (s *Supervisor) Run(ctx context.Context) error {
	signal.Notify(s.sigCh,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGTRAP,
	)
	defer signal.Stop(s.sigCh)

	ticker := time.NewTicker(s.alarmTime)
	defer ticker.Stop()

	s.classifier.Start()
	s.logger.Info("supervisor starting")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()

		case sig := <-s.sigCh:
			if done := s.handleSignal(sig); done {
				return nil
			}

		case <-ticker.C:
			s.maintenance()

		default:
			s.classifier.Provision()
			s.classifier.Deprovision()
			if err := s.reactor.Tick(s.pollTimeout); err != nil {
				s.logger.Error("reactor tick failed", "error", err)
			}
		}
	}
}

// handleSignal processes one received signal, matching the original's
// sigterm/sighup/sigusr1/sigusr2/sigtrap handlers. SIGABRT/refork is
// intentionally not wired to anything — the original itself never
// implements it ("refork not implemented" is logged and nothing happens),
// and there is no reforking story for a single static Go binary.
func (s *Supervisor) handleSignal(sig os.Signal) (shutdown bool) {
	switch sig {
	case syscall.SIGTERM:
		s.logger.Info("SIGTERM received, shutdown request")
		s.shutdown()
		return true
	case syscall.SIGHUP:
		s.logger.Info("SIGHUP received, reload request")
		s.reload()
	case syscall.SIGUSR1:
		s.logger.Info("SIGUSR1 received, decrease worker ceiling")
		s.classifier.ShrinkCeiling()
	case syscall.SIGUSR2:
		s.logger.Info("SIGUSR2 received, increase worker ceiling")
		s.classifier.GrowCeiling()
	case syscall.SIGTRAP:
		s.logger.Info("SIGTRAP received, debug logging toggle not supported")
	}
	return false
}

// maintenance runs the once-per-tick housekeeping the original drives off
// SIGALRM: the DNS cache expiry + query timeout sweep. Pool provisioning is
// not part of it; it already happens every loop iteration here, unlike the
// original which batches it with the alarm.
func (s *Supervisor) maintenance() {
	evicted, timedOut := s.reactor.Resolver.Sweep(s.sweepTimeout)
	if evicted > 0 || timedOut > 0 {
		s.logger.Debug("maintenance sweep", "cache_evicted", evicted, "queries_timed_out", timedOut)
	}
}

func (s *Supervisor) reload() {
	s.logger.Info("performing reload")
}

func (s *Supervisor) shutdown() {
	s.logger.Info("performing shutdown")
	s.classifier.Stop()
}
