package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// User is a BizChat account as seen by the client.
type User struct {
	ID        int64   `json:"id"`
	Phone     string  `json:"phone"`
	FullName  string  `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
	Status    string  `json:"status"`
	IsOnline  bool    `json:"is_online,omitempty"`
}

// Session is the authenticated identity: the bearer token and its owner.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ChatType distinguishes one-to-one chats from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// UnmarshalJSON accepts the server's "private" spelling for direct chats.
func (t *ChatType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "private", "direct", "":
		*t = ChatDirect
	case "group":
		*t = ChatGroup
	default:
		return fmt.Errorf("unknown chat type %q", s)
	}
	return nil
}

// Chat is one entry of the chat list.
type Chat struct {
	ID              int64      `json:"id"`
	Type            ChatType   `json:"type"`
	Title           string     `json:"title"`
	AvatarURL       *string    `json:"avatar_url"`
	LastMessage     *string    `json:"last_message"`
	LastMessageTime *Timestamp `json:"last_message_time"`
	UnreadCount     int        `json:"unread_count"`
}

// UnmarshalJSON decodes a chat and clamps a negative unread count to zero.
func (c *Chat) UnmarshalJSON(data []byte) error {
	type wire Chat
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.UnreadCount < 0 {
		w.UnreadCount = 0
	}
	*c = Chat(w)
	return nil
}

// MessageType is the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// MessageTypeForMIME maps an attachment MIME type to the message type
// announced to the server.
func MessageTypeForMIME(mime string) MessageType {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/") {
		return MessageImage
	}
	return MessageFile
}

// Message is one entry of a chat history.
type Message struct {
	ID           int64       `json:"id"`
	SenderID     int64       `json:"sender_id"`
	SenderName   string      `json:"sender_name"`
	SenderAvatar *string     `json:"sender_avatar"`
	Type         MessageType `json:"type"`
	Content      string      `json:"content"`
	FileURL      *string     `json:"file_url,omitempty"`
	FileName     *string     `json:"file_name,omitempty"`
	CreatedAt    Timestamp   `json:"created_at"`
	IsMine       bool        `json:"is_mine"`

	// Local only: set on optimistic entries that the server has not confirmed.
	ClientID string `json:"client_id,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

// MarkOwnership derives IsMine from the sender and the authenticated user.
func (m *Message) MarkOwnership(selfID int64) {
	m.IsMine = selfID != 0 && m.SenderID == selfID
}

// SortByRecency returns a copy of chats ordered by last message time,
// newest first. Chats without messages go last; ties keep server order.
func SortByRecency(chats []Chat) []Chat {
	out := make([]Chat, len(chats))
	copy(out, chats)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageTime, out[j].LastMessageTime
		switch {
		case a == nil || a.IsZero():
			return false
		case b == nil || b.IsZero():
			return true
		default:
			return a.After(b.Time)
		}
	})
	return out
}
