package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
)

// DrainQueue delivers queued messages in FIFO order. It does nothing while
// offline. The first transient failure ends the pass so later entries never
// overtake an earlier one. A call made while a pass is running is folded
// into one extra pass after it. That pass runs on the engine's context
// because the callers it stands for have already returned.
func (e *Engine) DrainQueue(ctx context.Context) error {
	e.mu.Lock()
	if e.draining {
		e.drainPending = true
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	e.mu.Unlock()

	for {
		err := e.drainOnce(ctx)

		e.mu.Lock()
		if !e.drainPending || e.ctx.Err() != nil {
			e.draining = false
			e.drainPending = false
			e.mu.Unlock()
			return err
		}
		e.drainPending = false
		e.mu.Unlock()

		if err != nil {
			e.logger.Warn("queue drain pass failed, running folded pass", zap.Error(err))
		}
		ctx = e.ctx
	}
}

// TriggerDrain runs DrainQueue on the engine's context without blocking.
func (e *Engine) TriggerDrain() {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.DrainQueue(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("queue drain failed", zap.Error(err))
		}
	}()
}

// DeferredSync is the background trigger handler: it drains and reports how
// many entries are left.
func (e *Engine) DeferredSync(ctx context.Context) (int, error) {
	err := e.DrainQueue(ctx)
	n, lerr := e.db.QueueLength(ctx)
	if lerr != nil {
		return 0, errors.Join(err, lerr)
	}
	if err == nil && n > 0 && !e.online.Online() {
		err = ErrOffline
	}
	return n, err
}

func (e *Engine) drainOnce(ctx context.Context) error {
	if !e.online.Online() {
		e.logger.Debug("drain skipped, offline")
		return nil
	}
	entries, err := e.db.ListQueue(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var delivered, failed int
loop:
	for i := range entries {
		outcome, err := e.drainEntry(ctx, &entries[i])
		if err != nil {
			return err
		}
		switch outcome {
		case drainDelivered:
			delivered++
		case drainRejected:
			failed++
		case drainExhausted:
			failed++
			break loop
		case drainStop:
			break loop
		}
	}

	remaining, err := e.db.QueueLength(ctx)
	if err != nil {
		return err
	}
	if err := e.db.SetState(ctx, store.StateLastDrainAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to record drain checkpoint", zap.Error(err))
	}
	e.logger.Info("queue drain pass finished",
		zap.Int("delivered", delivered), zap.Int("failed", failed), zap.Int("remaining", remaining))
	e.bus.Emit(bus.KindQueueDrained, QueueDrained{Delivered: delivered, Failed: failed, Remaining: remaining})
	return nil
}

type drainOutcome int

const (
	drainDelivered drainOutcome = iota
	drainSkipped
	drainRejected
	drainExhausted
	drainStop
)

func (e *Engine) drainEntry(ctx context.Context, entry *store.QueueEntry) (drainOutcome, error) {
	if !e.claim(entry.TempID) {
		// A direct send or retry owns it; pick it up on a later pass.
		return drainStop, nil
	}
	defer e.release(entry.TempID)

	m, err := e.db.GetMessage(ctx, entry.TempID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dropping queue entry for missing message", zap.String("temp_id", entry.TempID))
		return drainSkipped, e.db.Dequeue(ctx, entry.QueueID)
	}
	if err != nil {
		return drainStop, err
	}
	if m.Status != store.StatusSending {
		// Acknowledged late or already handed back to the user.
		return drainSkipped, e.db.Dequeue(ctx, entry.QueueID)
	}

	err = e.deliver(ctx, m)
	switch {
	case err == nil:
		return drainDelivered, nil
	case errors.Is(err, ErrRejected):
		e.fail(context.WithoutCancel(ctx), m, err.Error())
		return drainRejected, nil
	case ctx.Err() != nil:
		return drainStop, nil
	}

	attempts, aerr := e.db.RecordAttempt(ctx, entry.TempID)
	if aerr != nil {
		return drainStop, aerr
	}
	e.logger.Info("queued delivery failed",
		zap.String("temp_id", entry.TempID), zap.Int("attempts", attempts), zap.Error(err))
	e.requestDeferred(ctx)
	if attempts >= e.cfg.MaxAttempts {
		e.fail(ctx, m, "delivery attempts exhausted")
		return drainExhausted, nil
	}
	return drainStop, nil
}
