package store

import (
	"context"
	"time"
)

// QueueOutbox journals a freshly composed outbound message.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, chat_id, recipient_id, msg_type, content, file_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientMsgID, nullID(e.ChatID), nullID(e.RecipientID), e.MsgType, e.Content, e.FileName, OutboxComposed, now, now)
	return err
}

// MarkOutbox moves an entry to status.
func (db *DB) MarkOutbox(ctx context.Context, clientMsgID, status string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`,
		status, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxUploaded records the durable URL of an uploaded attachment.
func (db *DB) MarkOutboxUploaded(ctx context.Context, clientMsgID, fileURL string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET file_url = ?, updated_at = ? WHERE client_msg_id = ?`,
		fileURL, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxConfirmed records the server-assigned ids of a delivered message.
func (db *DB) MarkOutboxConfirmed(ctx context.Context, clientMsgID string, serverMsgID, chatID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, server_msg_id = ?, chat_id = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		OutboxConfirmed, serverMsgID, chatID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		OutboxFailed, errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// RecentOutbox returns the newest journal entries, optionally filtered by status.
func (db *DB) RecentOutbox(ctx context.Context, status string, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, client_msg_id, COALESCE(chat_id, 0), COALESCE(recipient_id, 0), msg_type, content,
		       file_name, file_url, status, error_message, server_msg_id, created_at
		FROM outbox`
	args := []any{}
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ChatID, &e.RecipientID, &e.MsgType, &e.Content,
			&e.FileName, &e.FileURL, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
