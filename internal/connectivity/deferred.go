package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/store"
)

// Handler runs a background sync and reports how much work is left.
type Handler func(ctx context.Context) (remaining int, err error)

type deferredStore interface {
	AddDeferredSync(ctx context.Context, tag string) error
	PendingDeferredSyncs(ctx context.Context) ([]store.DeferredSync, error)
	ClearDeferredSyncs(ctx context.Context, before time.Time) error
}

// DeferredConfig controls when deferred syncs run.
type DeferredConfig struct {
	Delay   time.Duration // wait before the first run after a request
	Backoff backoff.Config
}

// Deferred is the background sync trigger. Requests are persisted, so a
// request made before the process stopped runs again at the next Start.
// While the handler reports remaining work it is re-run on the backoff
// schedule; once the work is done the persisted requests are cleared.
type Deferred struct {
	store  deferredStore
	delay  time.Duration
	policy *backoff.Policy
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handler Handler
	timer   *time.Timer
	due     time.Time
	stopped bool
	runs    int
}

// NewDeferred creates a trigger backed by st.
func NewDeferred(st deferredStore, cfg DeferredConfig, logger *zap.Logger) *Deferred {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Deferred{
		store:  st,
		delay:  cfg.Delay,
		policy: backoff.New(cfg.Backoff),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler sets the function run when the trigger fires.
func (d *Deferred) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Start arms the trigger right away if requests survived from a previous run.
func (d *Deferred) Start(ctx context.Context) error {
	pending, err := d.store.PendingDeferredSyncs(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		d.logger.Info("resuming deferred sync", zap.Int("requests", len(pending)))
		d.arm(0)
	}
	return nil
}

// RequestDeferredSync persists a request under tag and schedules a run.
// An already scheduled run is never postponed. The returned error only
// reports that the request could not be persisted; the run is scheduled
// regardless.
func (d *Deferred) RequestDeferredSync(ctx context.Context, tag string) error {
	err := d.store.AddDeferredSync(ctx, tag)
	d.arm(d.delay)
	return err
}

// Scheduled reports whether a run is armed.
func (d *Deferred) Scheduled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Runs returns how many times the handler has been invoked.
func (d *Deferred) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

// Stop cancels any scheduled run and waits for a running one to finish.
func (d *Deferred) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Deferred) arm(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	due := time.Now().Add(delay)
	if d.timer != nil && !d.due.After(due) {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.due = due
	d.timer = time.AfterFunc(delay, d.fire)
}

func (d *Deferred) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	h := d.handler
	d.runs++
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	if h == nil {
		d.logger.Warn("deferred sync fired without a handler")
		return
	}

	started := time.Now()
	remaining, err := h(d.ctx)
	if d.ctx.Err() != nil {
		return
	}
	if err == nil && remaining == 0 {
		d.policy.Reset()
		if err := d.store.ClearDeferredSyncs(d.ctx, started); err != nil {
			d.logger.Warn("clear deferred syncs", zap.Error(err))
		}
		return
	}

	delay, ok := d.policy.Next()
	if !ok {
		// Requests stay persisted and run again at the next start.
		d.logger.Warn("deferred sync giving up for now",
			zap.Int("remaining", remaining), zap.Error(err))
		d.policy.Reset()
		return
	}
	d.logger.Debug("deferred sync rescheduled",
		zap.Int("remaining", remaining), zap.Duration("delay", delay), zap.Error(err))
	d.arm(delay)
}
