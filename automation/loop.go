// Package automation runs the background escrow settlement sweep. One
// loop per process, tied to process lifetime; each tick scans live
// escrows and lets the escrow manager converge them. Tick failures are
// logged and the loop keeps going.
package automation

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"moltd/escrow"
)

// Environment configuration for the loop.
const (
	EnvEnabled    = "NEG_AUTOMATION_ESCROW_ENABLED"
	EnvIntervalMs = "NEG_AUTOMATION_ESCROW_INTERVAL_MS"

	DefaultInterval = 15 * time.Second
	MinInterval     = time.Second
)

// Loop is the periodic escrow settlement task.
type Loop struct {
	manager  *escrow.Manager
	interval time.Duration
	enabled  bool
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	ticks     int64
	lastTick  time.Time
	lastStats escrow.TickStats
	lastErr   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// FromEnv builds the loop with environment configuration. The loop is
// enabled unless the flag is explicitly "false".
func FromEnv(manager *escrow.Manager, logger *slog.Logger) *Loop {
	enabled := !strings.EqualFold(strings.TrimSpace(os.Getenv(EnvEnabled)), "false")
	interval := DefaultInterval
	if raw := strings.TrimSpace(os.Getenv(EnvIntervalMs)); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return New(manager, interval, enabled, logger)
}

// New builds the loop with explicit configuration.
func New(manager *escrow.Manager, interval time.Duration, enabled bool, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{manager: manager, interval: interval, enabled: enabled, logger: logger}
}

// Start launches the background loop. A disabled loop is a no-op; Tick
// can still be invoked manually through the API.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || l.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(ctx)
	l.logger.Info("escrow automation started", slog.Duration("interval", l.interval))
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.mu.Lock()
	l.running = false
	l.cancel = nil
	l.mu.Unlock()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one settlement sweep and records its outcome.
func (l *Loop) Tick(ctx context.Context) escrow.TickStats {
	stats, err := l.manager.Tick(ctx)
	l.mu.Lock()
	l.ticks++
	l.lastTick = time.Now().UTC()
	l.lastStats = stats
	if err != nil {
		l.lastErr = err.Error()
	} else {
		l.lastErr = ""
	}
	l.mu.Unlock()
	if err != nil {
		l.logger.Warn("escrow automation tick failed", slog.String("error", err.Error()))
	}
	return stats
}

// Status is the public view of the loop state.
type Status struct {
	Enabled    bool             `json:"enabled"`
	Running    bool             `json:"running"`
	IntervalMs int64            `json:"intervalMs"`
	Ticks      int64            `json:"ticks"`
	LastTickAt *time.Time       `json:"lastTickAt,omitempty"`
	LastStats  escrow.TickStats `json:"lastStats"`
	LastError  string           `json:"lastError,omitempty"`
}

// Status reports the loop configuration and last tick outcome.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := Status{
		Enabled:    l.enabled,
		Running:    l.running,
		IntervalMs: l.interval.Milliseconds(),
		Ticks:      l.ticks,
		LastStats:  l.lastStats,
		LastError:  l.lastErr,
	}
	if !l.lastTick.IsZero() {
		at := l.lastTick
		status.LastTickAt = &at
	}
	return status
}
