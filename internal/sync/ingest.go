package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/transport"
)

// HandleEnvelope processes one inbound envelope from the transport.
func (e *Engine) HandleEnvelope(env transport.Envelope) {
	ctx := context.WithoutCancel(e.ctx)
	switch env.Type {
	case transport.TypeMessageAck:
		e.handleAck(ctx, env.TempID, ackResult{canonicalID: env.CanonicalID})
	case transport.TypeMessageError:
		e.handleAck(ctx, env.TempID, ackResult{rejected: true, reason: env.Reason})
	case transport.TypeNewMessage:
		if env.Message == nil {
			return
		}
		if err := e.IngestMessage(ctx, *env.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.String("id", env.Message.ID), zap.Error(err))
		}
	case transport.TypeHistoryBatch:
		if err := e.IngestHistoryBatch(ctx, env.Messages); err != nil {
			e.logger.Error("failed to ingest history batch", zap.Int("count", len(env.Messages)), zap.Error(err))
		}
	case transport.TypeTypingStart, transport.TypeTypingStop:
		e.bus.Emit(bus.KindTypingChanged, TypingChanged{
			ConversationID: env.ConversationID,
			UserID:         env.UserID,
			Active:         env.Type == transport.TypeTypingStart,
		})
	case transport.TypePresence:
		e.bus.Emit(bus.KindPresenceChanged, PresenceChanged{UserID: env.UserID, Status: env.Status})
	default:
		e.logger.Debug("ignoring envelope", zap.String("type", env.Type))
	}
}

// handleAck routes an ack or error to the delivery waiting for it. Without
// a waiter the answer arrived late and is applied directly.
func (e *Engine) handleAck(ctx context.Context, tempID string, res ackResult) {
	if tempID == "" {
		return
	}
	e.mu.Lock()
	ch, ok := e.waiters[tempID]
	if ok {
		delete(e.waiters, tempID)
	}
	e.mu.Unlock()
	if ok {
		ch <- res
		return
	}

	if res.rejected {
		m, err := e.db.GetMessage(ctx, tempID)
		if err != nil {
			e.logger.Warn("error for unknown message", zap.String("temp_id", tempID), zap.Error(err))
			return
		}
		if m.Status == store.StatusSending && !e.isInflight(tempID) {
			e.fail(ctx, m, res.reason)
		}
		return
	}

	_, err := e.confirm(ctx, tempID, res.canonicalID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("ack for unknown temp id", zap.String("temp_id", tempID))
		return
	}
	if err != nil {
		e.logger.Error("failed to apply late ack", zap.String("temp_id", tempID), zap.Error(err))
	}
}

// IngestMessage stores one server message. A message echoing a known temp
// id reconciles that message instead of creating a second row.
func (e *Engine) IngestMessage(ctx context.Context, wm transport.WireMessage) error {
	if wm.TempID != "" && IsTempID(wm.TempID) {
		handled, err := e.reconcileEcho(ctx, wm)
		if err != nil || handled {
			return err
		}
	}

	m := e.fromWire(wm)
	created, err := e.db.AppendMessage(ctx, &m, true)
	if err != nil {
		return err
	}
	if created {
		e.bus.Emit(bus.KindMessageReceived, MessageReceived{Message: ViewOf(m)})
		e.retain(ctx, m.ConversationID)
	}
	return nil
}

// IngestHistoryBatch stores a batch of server messages in one transaction.
func (e *Engine) IngestHistoryBatch(ctx context.Context, batch []transport.WireMessage) error {
	msgs := make([]store.Message, 0, len(batch))
	for _, wm := range batch {
		if wm.TempID != "" && IsTempID(wm.TempID) {
			handled, err := e.reconcileEcho(ctx, wm)
			if err != nil {
				return err
			}
			if handled {
				continue
			}
		}
		m := e.fromWire(wm)
		if err := m.Validate(); err != nil {
			e.logger.Warn("skipping invalid history message", zap.String("id", wm.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}

	fresh, err := e.db.AppendMessages(ctx, msgs, true)
	if err != nil {
		return err
	}
	convs := make(map[string]struct{})
	for _, m := range fresh {
		e.bus.Emit(bus.KindMessageReceived, MessageReceived{Message: ViewOf(m)})
		convs[m.ConversationID] = struct{}{}
	}
	for id := range convs {
		e.retain(ctx, id)
	}
	e.logger.Info("history batch ingested", zap.Int("messages", len(batch)), zap.Int("new", len(fresh)))
	return nil
}

func (e *Engine) reconcileEcho(ctx context.Context, wm transport.WireMessage) (bool, error) {
	if _, err := e.db.GetMessage(ctx, wm.TempID); errors.Is(err, store.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	e.mu.Lock()
	ch, waiting := e.waiters[wm.TempID]
	if waiting {
		delete(e.waiters, wm.TempID)
	}
	e.mu.Unlock()
	if waiting {
		ch <- ackResult{canonicalID: wm.ID}
		return true, nil
	}
	_, err := e.confirm(ctx, wm.TempID, wm.ID)
	return err == nil, err
}

func (e *Engine) fromWire(wm transport.WireMessage) store.Message {
	typ := store.Type(wm.Type)
	if !typ.Valid() {
		typ = store.TypeText
	}
	ts := wm.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return store.Message{
		ID:             wm.ID,
		TempID:         wm.TempID,
		ConversationID: wm.ConversationID,
		SenderID:       wm.SenderID,
		Text:           wm.Text,
		Timestamp:      ts,
		Status:         store.StatusSent,
		Type:           typ,
		FromMe:         e.cfg.SenderID != "" && wm.SenderID == e.cfg.SenderID,
	}
}
