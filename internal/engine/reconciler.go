package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/plexdesk/chatsync/internal/storage"
	"github.com/plexdesk/chatsync/internal/transport"
	"go.uber.org/zap"
)

// reconciler drives outbound sends through their pending -> sent / failed
// lifecycle and folds remote inserts into the view. The pending entry never
// moves: confirmation replaces it in place under the server id, failure
// flips its status and keeps the text for retry.
type reconciler struct {
	e *Engine
}

// send performs the optimistic insert and spawns the durable write.
// Runs on the apply loop; returns the temporary client id.
func (r *reconciler) send(conversationID, text string, att *storage.Attachment, replyToID string) string {
	e := r.e
	now := time.Now().UnixMilli()
	msg := storage.Message{
		ID:             "tmp-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Body:           text,
		Attachment:     att,
		ReplyToID:      replyToID,
		Status:         storage.StatusPending,
		CreatedAt:      now,
	}

	e.store.appendMessage(conversationID, msg)
	e.store.touchActivity(conversationID, preview(msg), now)
	e.store.moveToFront(conversationID)
	e.publishBus("message.pending", msg.ID)
	e.signalRefresh()

	go r.confirm(msg)
	return msg.ID
}

// confirm issues the durable write and reconciles the outcome back onto the
// apply loop.
func (r *reconciler) confirm(pending storage.Message) {
	e := r.e
	confirmed, err := e.db.CreateMessage(&pending)
	if err != nil {
		e.logger.Error("send failed",
			zap.String("conversation_id", pending.ConversationID),
			zap.String("temp_id", pending.ID),
			zap.Error(err))
		e.post(func() {
			// The entry stays in the window with its text intact so the
			// user can retry or discard it.
			e.store.setMessageStatus(pending.ConversationID, pending.ID, storage.StatusFailed)
			e.publishBus("message.send_failed", pending.ID)
			e.signalRefresh()
		})
		return
	}

	e.post(func() {
		if !e.store.replacePending(pending.ConversationID, pending.ID, *confirmed) {
			// History was cleared while the write was in flight.
			e.logger.Debug("confirmed message had no pending entry", zap.String("temp_id", pending.ID))
		}
		e.store.touchActivity(pending.ConversationID, preview(*confirmed), confirmed.CreatedAt)
		e.publishBus("message.confirmed", confirmed.ID)
		e.signalRefresh()
	})
}

// retry re-issues the durable write for a failed message. Runs on the apply
// loop.
func (r *reconciler) retry(conversationID, messageID string) {
	e := r.e
	msg := e.store.setMessageStatus(conversationID, messageID, storage.StatusPending)
	if msg == nil {
		return
	}
	e.signalRefresh()
	go r.confirm(*msg)
}

// onRemoteInsert folds a server-confirmed message into the view. Runs on
// the apply loop.
func (r *reconciler) onRemoteInsert(rec *transport.MessageRecord) {
	e := r.e
	if rec.SenderID == e.selfID {
		// Our own sends reconcile through confirm, not the remote echo.
		return
	}

	msg := recordToMessage(rec)
	// touchActivity first: it creates the placeholder entry for a
	// conversation the view has never seen, which markUnread needs.
	e.store.touchActivity(rec.ConversationID, preview(msg), msg.CreatedAt)
	if rec.ConversationID == e.channels.desired {
		if !e.store.appendMessage(rec.ConversationID, msg) {
			return
		}
	} else {
		e.store.markUnread(rec.ConversationID)
	}
	e.store.moveToFront(rec.ConversationID)
	e.publishBus("message.received", msg.ID)
	e.signalRefresh()

	go r.persistRemote(msg)
}

// persistRemote caches a remote insert in the local store so the message
// window survives reopening and restarts. Upserts keep replays harmless.
func (r *reconciler) persistRemote(msg storage.Message) {
	e := r.e
	existing, err := e.db.GetConversation(msg.ConversationID)
	if err != nil {
		e.logger.Warn("conversation lookup failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}
	if existing == nil {
		stub := &storage.Conversation{
			ID:                 msg.ConversationID,
			LastMessagePreview: preview(msg),
			LastActivityAt:     msg.CreatedAt,
		}
		if err := e.db.UpsertConversation(stub); err != nil {
			e.logger.Warn("conversation stub write failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
			return
		}
	}
	if err := e.db.UpsertMessage(&msg); err != nil {
		e.logger.Warn("remote message cache write failed", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if err := e.db.TouchConversation(msg.ConversationID, preview(msg), msg.CreatedAt); err != nil {
		e.logger.Warn("conversation touch failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
}

func recordToMessage(rec *transport.MessageRecord) storage.Message {
	m := storage.Message{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		SenderID:       rec.SenderID,
		Body:           rec.Body,
		ReplyToID:      rec.ReplyToID,
		Status:         storage.StatusSent,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.Attachment != nil {
		m.Attachment = &storage.Attachment{
			Name:     rec.Attachment.Name,
			URL:      rec.Attachment.URL,
			MimeType: rec.Attachment.MimeType,
		}
	}
	return m
}

func preview(m storage.Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.Attachment != nil {
		return m.Attachment.Name
	}
	return ""
}
