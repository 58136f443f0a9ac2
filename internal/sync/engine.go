// Package sync owns the delivery state of outgoing messages and the
// ingestion of inbound ones.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/transport"
)

const (
	tempIDPrefix = "tmp_"
	deferredTag  = "drain_queue"

	defaultSendTimeout = 10 * time.Second
	defaultMaxAttempts = 5
)

// Sender delivers envelopes to the server.
type Sender interface {
	Send(ctx context.Context, env transport.Envelope) error
}

// Connectivity reports whether the client is online.
type Connectivity interface {
	Online() bool
}

// Deferrer schedules a background sync for later.
type Deferrer interface {
	RequestDeferredSync(ctx context.Context, tag string) error
}

// Config tunes the engine.
type Config struct {
	SenderID            string
	SendTimeout         time.Duration
	MaxAttempts         int
	KeepPerConversation int
}

// Engine is the only component that creates messages or changes their
// delivery status. Sends return once the message is persisted and its
// envelope is written or queued; waiting for the server's answer runs on
// the engine's own goroutines.
type Engine struct {
	db       *store.DB
	sender   Sender
	online   Connectivity
	deferred Deferrer
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	convs convLocks

	mu           gosync.Mutex
	inflight     map[string]struct{}
	waiters      map[string]chan ackResult
	draining     bool
	drainPending bool
}

type ackResult struct {
	canonicalID string
	rejected    bool
	reason      string
}

// NewEngine creates a new sync engine. deferred may be nil.
func NewEngine(db *store.DB, sender Sender, online Connectivity, deferred Deferrer, b *bus.Bus, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		db:       db,
		sender:   sender,
		online:   online,
		deferred: deferred,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
		waiters:  make(map[string]chan ackResult),
	}
}

// Stop cancels background deliveries and waits for them to return.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// IsTempID reports whether id was assigned by the client.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func newTempID(now time.Time) string {
	return fmt.Sprintf("%s%d_%s", tempIDPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

func tempIDOf(m *store.Message) string {
	if m.TempID != "" {
		return m.TempID
	}
	return m.ID
}

// SendMessage persists a new outgoing message in sending state and returns
// it. Offline messages, and messages whose conversation still has queued
// entries, go to the pending queue. Otherwise the envelope is written before
// SendMessage returns and the message is reconciled when acknowledged.
//
// If the message cannot be queued it is marked failed and the error is
// returned.
func (e *Engine) SendMessage(ctx context.Context, conversationID, text string) (*store.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is empty", ErrInvalidMessage)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}

	unlock := e.convs.lock(conversationID)
	defer unlock()

	now := time.Now()
	id := newTempID(now)
	m := store.Message{
		ID:             id,
		TempID:         id,
		ConversationID: conversationID,
		SenderID:       e.cfg.SenderID,
		Text:           text,
		Timestamp:      now,
		Status:         store.StatusSending,
		Type:           store.TypeText,
		FromMe:         true,
	}
	if _, err := e.db.AppendMessage(ctx, &m, false); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	e.bus.Emit(bus.KindMessageCreated, MessageCreated{Message: ViewOf(m)})
	e.retain(ctx, conversationID)

	e.claim(id)
	if err := e.dispatch(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RetryMessage sends a failed message again under its original temp id.
func (e *Engine) RetryMessage(ctx context.Context, id string) (*store.Message, error) {
	m, err := e.db.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case store.StatusSent:
		return nil, fmt.Errorf("%w: %s is already sent", ErrNotRetryable, m.ID)
	case store.StatusSending:
		return nil, fmt.Errorf("%w: %s", ErrAlreadySending, m.ID)
	}

	unlock := e.convs.lock(m.ConversationID)
	defer unlock()

	tempID := tempIDOf(m)
	if !e.claim(tempID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySending, m.ID)
	}
	updated, err := e.db.MarkSending(ctx, tempID)
	if err != nil {
		e.release(tempID)
		return nil, fmt.Errorf("mark sending: %w", err)
	}
	if updated.Status != store.StatusSending {
		// Changed between the lookup and the claim.
		e.release(tempID)
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, updated.ID, updated.Status)
	}
	e.publishStatus(updated, store.StatusFailed, store.StatusSending, "")
	if err := e.dispatch(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// LoadOlderMessages pages backwards through a conversation.
func (e *Engine) LoadOlderMessages(ctx context.Context, conversationID, beforeID string, limit int) ([]store.Message, error) {
	msgs, err := e.db.ListMessagesBefore(ctx, conversationID, beforeID, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, beforeID)
	}
	return msgs, err
}

// SendTyping tells the server whether the user is typing. It is best
// effort and never queued.
func (e *Engine) SendTyping(ctx context.Context, conversationID string, active bool) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidMessage)
	}
	if !e.online.Online() {
		return ErrOffline
	}
	return e.sender.Send(ctx, transport.Typing(conversationID, active))
}

// claim marks tempID as owned by one delivery. It returns false when
// another delivery already owns it.
func (e *Engine) claim(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[tempID]; busy {
		return false
	}
	e.inflight[tempID] = struct{}{}
	return true
}

func (e *Engine) release(tempID string) {
	e.mu.Lock()
	delete(e.inflight, tempID)
	e.mu.Unlock()
}

func (e *Engine) isInflight(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.inflight[tempID]
	return busy
}

// dispatch hands a claimed sending message to the network or to the queue.
// The caller holds the conversation lock, so envelopes of one conversation
// are written in call order and never ahead of that conversation's queue.
func (e *Engine) dispatch(ctx context.Context, m *store.Message) error {
	tempID := tempIDOf(m)
	if !e.online.Online() || e.ctx.Err() != nil {
		defer e.release(tempID)
		return e.enqueue(ctx, m, "offline")
	}

	behind, err := e.db.HasQueued(ctx, m.ConversationID)
	if err != nil {
		e.release(tempID)
		e.fail(context.WithoutCancel(ctx), m, "queue lookup failed")
		return err
	}
	if behind {
		err := e.enqueue(ctx, m, "conversation has queued messages")
		e.release(tempID)
		if err != nil {
			return err
		}
		e.TriggerDrain()
		return nil
	}

	ch, done := e.await(tempID)
	if err := e.write(ctx, m); err != nil {
		done()
		defer e.release(tempID)
		e.logger.Info("send failed, queueing", zap.String("temp_id", tempID), zap.Error(err))
		return e.enqueue(context.WithoutCancel(ctx), m, "send failed")
	}

	msg := *m
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(tempID)
		defer done()

		err := e.waitAck(e.ctx, tempID, ch)
		if err == nil {
			return
		}
		// Bookkeeping must outlive an engine shutdown.
		ctx := context.WithoutCancel(e.ctx)
		if errors.Is(err, ErrRejected) {
			e.fail(ctx, &msg, err.Error())
			return
		}
		e.logger.Info("delivery failed, queueing",
			zap.String("temp_id", tempID), zap.Error(err))
		_ = e.enqueue(ctx, &msg, "no acknowledgement")
	}()
	return nil
}

// deliver sends one message and waits for the server's answer. On ack the
// message is confirmed before deliver returns.
func (e *Engine) deliver(ctx context.Context, m *store.Message) error {
	tempID := tempIDOf(m)
	ch, done := e.await(tempID)
	defer done()

	if err := e.write(ctx, m); err != nil {
		return err
	}
	return e.waitAck(ctx, tempID, ch)
}

// await registers the waiter for tempID's ack. It must run before the
// envelope is written; done unregisters it.
func (e *Engine) await(tempID string) (<-chan ackResult, func()) {
	ch := make(chan ackResult, 1)
	e.mu.Lock()
	e.waiters[tempID] = ch
	e.mu.Unlock()
	return ch, func() {
		e.mu.Lock()
		if e.waiters[tempID] == ch {
			delete(e.waiters, tempID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) write(ctx context.Context, m *store.Message) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.sender.Send(ctx, transport.SendMessage(m.ConversationID, tempIDOf(m), m.Text))
}

// waitAck waits up to the send timeout for the server's answer. An ack is
// confirmed before waitAck returns.
func (e *Engine) waitAck(ctx context.Context, tempID string, ch <-chan ackResult) error {
	timer := time.NewTimer(e.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.rejected {
			return fmt.Errorf("%w: %s", ErrRejected, res.reason)
		}
		_, err := e.confirm(context.WithoutCancel(ctx), tempID, res.canonicalID)
		return err
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// confirm applies a server acknowledgement and publishes what changed.
func (e *Engine) confirm(ctx context.Context, tempID, canonicalID string) (*store.Delivery, error) {
	d, err := e.db.ConfirmDelivery(ctx, tempID, canonicalID)
	if err != nil {
		return nil, err
	}
	if !d.Changed {
		return d, nil
	}
	if d.PreviousID != d.Message.ID {
		e.bus.Emit(bus.KindMessageReconciled, Reconciled{
			TempID:         tempID,
			CanonicalID:    d.Message.ID,
			ConversationID: d.Message.ConversationID,
		})
	}
	e.publishStatus(&d.Message, store.StatusSending, store.StatusSent, "")
	if err := e.db.SetState(ctx, store.StateLastAckAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to record ack checkpoint", zap.Error(err))
	}
	e.logger.Debug("message delivered",
		zap.String("temp_id", tempID), zap.String("id", d.Message.ID))
	return d, nil
}

func (e *Engine) fail(ctx context.Context, m *store.Message, reason string) {
	updated, err := e.db.MarkFailed(ctx, tempIDOf(m))
	if err != nil {
		e.logger.Error("failed to mark message failed", zap.String("temp_id", tempIDOf(m)), zap.Error(err))
		return
	}
	if updated.Status != store.StatusFailed {
		return
	}
	e.logger.Warn("message failed", zap.String("temp_id", tempIDOf(m)), zap.String("reason", reason))
	e.publishStatus(updated, store.StatusSending, store.StatusFailed, reason)
}

// enqueue parks a sending message in the pending queue and requests a
// deferred sync. A message that cannot be queued is marked failed so the
// user can retry it.
func (e *Engine) enqueue(ctx context.Context, m *store.Message, reason string) error {
	entry := &store.QueueEntry{
		TempID:         tempIDOf(m),
		ConversationID: m.ConversationID,
		Text:           m.Text,
	}
	if _, err := e.db.Enqueue(ctx, entry); err != nil {
		e.logger.Error("failed to enqueue message", zap.String("temp_id", entry.TempID), zap.Error(err))
		e.fail(context.WithoutCancel(ctx), m, "queue write failed")
		return fmt.Errorf("queue message: %w", err)
	}
	e.logger.Debug("message queued", zap.String("temp_id", entry.TempID), zap.String("reason", reason))
	e.requestDeferred(ctx)
	return nil
}

func (e *Engine) requestDeferred(ctx context.Context) {
	if e.deferred == nil {
		return
	}
	if err := e.deferred.RequestDeferredSync(ctx, deferredTag); err != nil {
		e.logger.Warn("failed to register deferred sync", zap.Error(err))
	}
}

func (e *Engine) publishStatus(m *store.Message, from, to store.Status, reason string) {
	e.bus.Emit(bus.KindMessageStatusChanged, StatusChanged{
		ID:             m.ID,
		TempID:         tempIDOf(m),
		ConversationID: m.ConversationID,
		From:           from,
		To:             to,
		Reason:         reason,
	})
}

func (e *Engine) retain(ctx context.Context, conversationID string) {
	if e.cfg.KeepPerConversation <= 0 {
		return
	}
	n, err := e.db.PurgeOld(ctx, conversationID, e.cfg.KeepPerConversation)
	if err != nil {
		e.logger.Warn("purge failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Debug("purged old messages", zap.String("conversation_id", conversationID), zap.Int64("count", n))
	}
}
