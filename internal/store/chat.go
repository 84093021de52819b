package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/bizchat/internal/model"
)

// ReplaceChats swaps the chat snapshot for chats in a single transaction,
// keeping the server's order in the position column.
func (db *DB) ReplaceChats(ctx context.Context, chats []model.Chat) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chats`); err != nil {
		return fmt.Errorf("clear chats: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, c := range chats {
		var lastAt sql.NullInt64
		if c.LastMessageTime != nil && !c.LastMessageTime.IsZero() {
			lastAt = sql.NullInt64{Int64: c.LastMessageTime.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (id, chat_type, title, avatar_url, last_message, last_message_time, unread_count, position, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.Type), c.Title, c.AvatarURL, c.LastMessage, lastAt, max(c.UnreadCount, 0), i, now); err != nil {
			return fmt.Errorf("insert chat %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListChats returns the snapshot in the order it was stored.
func (db *DB) ListChats(ctx context.Context) ([]model.Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_type, title, avatar_url, last_message, last_message_time, unread_count
		FROM chats
		ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		var (
			c      model.Chat
			kind   string
			avatar sql.NullString
			last   sql.NullString
			lastAt sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &kind, &c.Title, &avatar, &last, &lastAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.Type = model.ChatType(kind)
		if avatar.Valid {
			c.AvatarURL = &avatar.String
		}
		if last.Valid {
			c.LastMessage = &last.String
		}
		if lastAt.Valid {
			c.LastMessageTime = &model.Timestamp{Time: time.UnixMilli(lastAt.Int64).UTC()}
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatCount returns the number of chats in the snapshot.
func (db *DB) ChatCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
