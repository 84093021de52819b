package store

// Outbox journal statuses, mirroring the send pipeline stages.
const (
	OutboxComposed  = "composed"
	OutboxUploading = "uploading"
	OutboxSending   = "sending"
	OutboxConfirmed = "confirmed"
	OutboxFailed    = "failed"
)

// OutboxEntry is one journaled send attempt. Attachment bytes are never stored.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ChatID       int64
	RecipientID  int64
	MsgType      string
	Content      string
	FileName     string
	FileURL      string
	Status       string
	ErrorMessage string
	ServerMsgID  int64
	CreatedAt    int64
}
