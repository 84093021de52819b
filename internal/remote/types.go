package remote

import (
	"time"

	"github.com/matheus3301/bizchat/internal/model"
)

// CodeIssued is the answer to send_code.
type CodeIssued struct {
	Message   string
	ExpiresIn time.Duration
	// DevCode is echoed by development backends. Never show it outside debug output.
	DevCode string
}

// OutgoingMessage is the send_message payload. Exactly one of ChatID and
// RecipientID is set; a RecipientID send creates the direct chat on demand.
type OutgoingMessage struct {
	ChatID      int64
	RecipientID int64
	Type        model.MessageType
	Content     string
	FileURL     string
	FileName    string
}

// SendReceipt is the server's acknowledgement of a sent message.
type SendReceipt struct {
	MessageID int64           `json:"message_id"`
	ChatID    int64           `json:"chat_id"`
	CreatedAt model.Timestamp `json:"created_at"`
}

// Upload is an attachment to push to the file store.
type Upload struct {
	Data     []byte
	FileName string
	MIMEType string
}

// UploadedFile is the durable location of an uploaded attachment.
type UploadedFile struct {
	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

type authRequest struct {
	Action     string `json:"action"`
	Phone      string `json:"phone,omitempty"`
	Code       string `json:"code,omitempty"`
	DeviceInfo string `json:"device_info,omitempty"`
	Token      string `json:"token,omitempty"`
}

type sendCodeResponse struct {
	Message   string `json:"message"`
	ExpiresIn int64  `json:"expires_in"`
	Code      string `json:"code"`
}

type verifyCodeResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

type verifyTokenResponse struct {
	User *model.User `json:"user"`
}

type chatsResponse struct {
	Chats []model.Chat `json:"chats"`
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type usersResponse struct {
	Users []model.User `json:"users"`
}

type sendMessageRequest struct {
	Action      string            `json:"action"`
	ChatID      int64             `json:"chat_id,omitempty"`
	RecipientID int64             `json:"recipient_id,omitempty"`
	Type        model.MessageType `json:"type"`
	Content     string            `json:"content"`
	FileURL     string            `json:"file_url,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
}

type uploadRequest struct {
	FileData string `json:"file_data"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
}
