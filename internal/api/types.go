package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/bizchat/internal/model"
)

type StatusRequest struct{}

type StatusResponse struct {
	Session          string      `json:"session"`
	State            string      `json:"state"`
	User             *model.User `json:"user,omitempty"`
	PendingPhone     string      `json:"pending_phone,omitempty"`
	TokenExpiresAt   *time.Time  `json:"token_expires_at,omitempty"`
	UptimeMs         int64       `json:"uptime_ms"`
	ChatCount        int         `json:"chat_count"`
	TotalUnread      int         `json:"total_unread"`
	ChatsRefreshedAt *time.Time  `json:"chats_refreshed_at,omitempty"`
	ActiveChat       int64       `json:"active_chat,omitempty"`
}

type RequestCodeRequest struct {
	Phone string `json:"phone"`
}

type RequestCodeResponse struct {
	Message      string `json:"message"`
	ExpiresInSec int64  `json:"expires_in_sec"`
	// DevCode is only filled by development backends.
	DevCode string `json:"dev_code,omitempty"`
}

type VerifyCodeRequest struct {
	Phone      string `json:"phone,omitempty"`
	Code       string `json:"code"`
	DeviceInfo string `json:"device_info,omitempty"`
}

type VerifyCodeResponse struct {
	User model.User `json:"user"`
}

type LogoutRequest struct{}

type LogoutResponse struct {
	Message string `json:"message"`
}

type WatchRequest struct {
	// Namespace filters events by kind prefix, e.g. "message.". Empty means all.
	Namespace string `json:"namespace,omitempty"`
}

// EventEnvelope wraps a bus event for streaming to clients.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Session          string          `json:"session"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type ListChatsRequest struct {
	ByRecency bool `json:"by_recency,omitempty"`
}

type ListChatsResponse struct {
	Chats       []model.Chat `json:"chats"`
	TotalUnread int          `json:"total_unread"`
	RefreshedAt *time.Time   `json:"refreshed_at,omitempty"`
}

type RefreshChatsRequest struct{}

type OpenChatRequest struct {
	ChatID int64 `json:"chat_id"`
}

type OpenChatResponse struct {
	ChatID   int64           `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}

type SendTextRequest struct {
	ChatID      int64  `json:"chat_id,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	Text        string `json:"text"`
}

// SendFileRequest carries either a Path readable by the daemon or the file
// bytes themselves.
type SendFileRequest struct {
	ChatID      int64  `json:"chat_id,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	Caption     string `json:"caption,omitempty"`
	Path        string `json:"path,omitempty"`
	Data        []byte `json:"data,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
}

type SendResponse struct {
	ClientID  string `json:"client_id"`
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	NewChat   bool   `json:"new_chat"`
	FileURL   string `json:"file_url,omitempty"`
	// SyncError reports a failed follow-up refresh; the message was delivered.
	SyncError string `json:"sync_error,omitempty"`
}

type SearchUsersRequest struct {
	Phone string `json:"phone"`
}

type SearchUsersResponse struct {
	Users []model.User `json:"users"`
}

type StartChatRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Text        string `json:"text"`
}

type OutboxRequest struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type OutboxEntry struct {
	ClientID    string    `json:"client_id"`
	ChatID      int64     `json:"chat_id,omitempty"`
	RecipientID int64     `json:"recipient_id,omitempty"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	FileName    string    `json:"file_name,omitempty"`
	FileURL     string    `json:"file_url,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	MessageID   int64     `json:"message_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type OutboxResponse struct {
	Entries []OutboxEntry `json:"entries"`
}
