package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/security"
)

// SweepResult reports what one reaper run removed.
type SweepResult struct {
	Pending  int
	Sessions int
	Clients  int

	// Err joins the errors of the individual sweeps.
	Err error
}

// Total returns the number of removed records.
func (r SweepResult) Total() int {
	return r.Pending + r.Sessions + r.Clients
}

// Reaper periodically sweeps expired pending authorizations, dead sessions
// and, when a retention is configured, old clients.
type Reaper struct {
	server   *Server
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a reaper for s. It does nothing until Start.
func NewReaper(s *Server) *Reaper {
	return &Reaper{
		server:   s,
		interval: s.Config.ReaperInterval,
		logger:   s.Logger.With("component", "reaper"),
	}
}

// Start launches the sweep loop. It runs until ctx is cancelled or Stop is
// called. Calling Start twice has no effect.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)

	r.logger.Info("Reaper started", "interval", r.interval)
}

// Stop ends the loop and waits for an in-progress sweep to finish. Safe to
// call more than once, and before Start.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if done == nil {
		return
	}
	if cancel != nil {
		cancel()
		defer r.logger.Info("Reaper stopped")
	}
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every store once. Errors are logged and returned in the
// result, never propagated further.
func (r *Reaper) RunOnce(ctx context.Context) SweepResult {
	s := r.server
	var result SweepResult
	var errs []error

	n, err := s.pending.Sweep(ctx)
	result.Pending = n
	if err != nil {
		errs = append(errs, err)
		r.logger.Error("Failed to sweep pending authorizations", "error", err)
	}

	n, err = s.sessions.Sweep(ctx)
	result.Sessions = n
	if err != nil {
		errs = append(errs, err)
		r.logger.Error("Failed to sweep sessions", "error", err)
	}

	if s.Config.ClientRetention > 0 {
		n, err = s.clients.Sweep(ctx, s.Config.ClientRetention)
		result.Clients = n
		if err != nil {
			errs = append(errs, err)
			r.logger.Error("Failed to sweep clients", "error", err)
		}
		if n > 0 {
			s.Auditor.LogEvent(security.Event{
				Type: security.EventClientExpired,
				Details: map[string]any{
					"count":     n,
					"retention": s.Config.ClientRetention.String(),
				},
			})
		}
	}

	if s.metrics != nil {
		s.metrics.RecordReaperSweep(ctx, "pending", result.Pending)
		s.metrics.RecordReaperSweep(ctx, "sessions", result.Sessions)
		s.metrics.RecordReaperSweep(ctx, "clients", result.Clients)
	}

	if total := result.Total(); total > 0 {
		r.logger.Debug("Reaper sweep complete",
			"pending", result.Pending,
			"sessions", result.Sessions,
			"clients", result.Clients)
	}

	result.Err = errors.Join(errs...)
	return result
}
