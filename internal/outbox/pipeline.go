package outbox

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/metrics"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/store"
	intsync "github.com/matheus3301/bizchat/internal/sync"
	"go.uber.org/zap"
)

// Draft is what the user composed. Exactly one of ChatID and RecipientID
// is set.
type Draft struct {
	ChatID      int64
	RecipientID int64
	Content     string
	Attachment  *PendingUpload
}

// PendingUpload is a picked file that has not been uploaded. It only ever
// lives in memory.
type PendingUpload struct {
	ChatID   int64
	Data     []byte
	FileName string
	MIMEType string
}

// Result describes a confirmed send. SyncErr carries a failed follow-up
// refresh; the message itself was still delivered.
type Result struct {
	Item    Item
	Receipt *remote.SendReceipt
	Outcome Outcome
	SyncErr error
}

// Gateway is the part of the remote client the pipeline calls.
type Gateway interface {
	SendMessage(ctx context.Context, msg remote.OutgoingMessage) (*remote.SendReceipt, error)
	UploadFile(ctx context.Context, up remote.Upload) (*remote.UploadedFile, error)
}

// MessageView is the open chat's history.
type MessageView interface {
	ActiveChat() int64
	AppendOptimistic(chatID int64, msg model.Message) (model.Message, error)
	ResolveOptimistic(clientID string) bool
	LoadForChat(ctx context.Context, chatID int64) ([]model.Message, error)
}

// ChatRefresher reloads the chat list.
type ChatRefresher interface {
	Refresh(ctx context.Context) ([]model.Chat, error)
}

// AckPayload is the payload of message.send_ack.
type AckPayload struct {
	ClientID  string
	MessageID int64
	ChatID    int64
	NewChat   bool
}

// FailedPayload is the payload of message.send_failed.
type FailedPayload struct {
	ClientID string
	Stage    Stage
	Error    string
}

// Pipeline delivers drafts: upload first when there is an attachment, then
// send, then resynchronize the chat and the chat list.
type Pipeline struct {
	gateway  Gateway
	messages MessageView
	chats    ChatRefresher
	db       *store.DB
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewPipeline creates a send pipeline. db may be nil to skip journaling.
func NewPipeline(gw Gateway, messages MessageView, chats ChatRefresher, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		gateway:  gw,
		messages: messages,
		chats:    chats,
		db:       db,
		bus:      b,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("outbox"),
	}
}

// SendText delivers a text draft.
func (p *Pipeline) SendText(ctx context.Context, d Draft) (*Result, error) {
	const op = "send_text"
	if err := validateTarget(op, d); err != nil {
		return nil, err
	}
	if d.Attachment != nil {
		return nil, remote.Validation(op, "draft has an attachment")
	}
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return nil, remote.Validation(op, "message is empty")
	}

	item := p.compose(d, model.MessageText, content, "")
	return p.deliver(ctx, d, item, nil)
}

// SendAttachment uploads the draft's attachment and sends it as an image or
// file message. The caption defaults to the file name.
func (p *Pipeline) SendAttachment(ctx context.Context, d Draft) (*Result, error) {
	const op = "send_attachment"
	if d.ChatID == 0 && d.RecipientID == 0 && d.Attachment != nil {
		d.ChatID = d.Attachment.ChatID
	}
	if err := validateTarget(op, d); err != nil {
		return nil, err
	}
	att := d.Attachment
	if att == nil || len(att.Data) == 0 {
		return nil, remote.Validation(op, "attachment is empty")
	}
	name := filepath.Base(strings.TrimSpace(att.FileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, remote.Validation(op, "attachment has no file name")
	}
	mimeType := att.MIMEType
	if mimeType == "" {
		mimeType = sniffMIME(name, att.Data)
	}

	content := strings.TrimSpace(d.Content)
	if content == "" {
		content = name
	}

	item := p.compose(d, model.MessageTypeForMIME(mimeType), content, name)
	upload := remote.Upload{Data: att.Data, FileName: name, MIMEType: mimeType}
	return p.deliver(ctx, d, item, &upload)
}

// SendFile reads path from disk and sends it as an attachment. The file is
// read before anything is journaled, so a missing file never reaches the
// network.
func (p *Pipeline) SendFile(ctx context.Context, d Draft, path string) (*Result, error) {
	const op = "send_file"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &remote.Error{Kind: remote.KindValidation, Op: op, Message: "read file", Err: err}
	}
	d.Attachment = &PendingUpload{
		ChatID:   d.ChatID,
		Data:     data,
		FileName: filepath.Base(path),
	}
	return p.SendAttachment(ctx, d)
}

func (p *Pipeline) compose(d Draft, msgType model.MessageType, content, fileName string) *Item {
	item := &Item{
		ClientID:    uuid.NewString(),
		Stage:       Composed,
		ChatID:      d.ChatID,
		RecipientID: d.RecipientID,
		Type:        msgType,
		Content:     content,
		FileName:    fileName,
		StartedAt:   time.Now(),
	}
	p.journal(func(ctx context.Context) error {
		return p.db.QueueOutbox(ctx, &store.OutboxEntry{
			ClientMsgID: item.ClientID,
			ChatID:      item.ChatID,
			RecipientID: item.RecipientID,
			MsgType:     string(item.Type),
			Content:     item.Content,
			FileName:    item.FileName,
		})
	})
	return item
}

func (p *Pipeline) deliver(ctx context.Context, d Draft, item *Item, upload *remote.Upload) (*Result, error) {
	p.showOptimistic(item)

	if upload != nil {
		item.advance(Uploading)
		p.journal(func(ctx context.Context) error { return p.db.MarkOutbox(ctx, item.ClientID, store.OutboxUploading) })

		uploaded, err := p.gateway.UploadFile(ctx, *upload)
		if err != nil {
			return nil, p.fail(item, d, err)
		}
		item.FileURL = uploaded.FileURL
		item.FileName = uploaded.FileName
		p.journal(func(ctx context.Context) error { return p.db.MarkOutboxUploaded(ctx, item.ClientID, item.FileURL) })
	}

	item.advance(Sending)
	p.journal(func(ctx context.Context) error { return p.db.MarkOutbox(ctx, item.ClientID, store.OutboxSending) })

	receipt, err := p.gateway.SendMessage(ctx, remote.OutgoingMessage{
		ChatID:      item.ChatID,
		RecipientID: item.RecipientID,
		Type:        item.Type,
		Content:     item.Content,
		FileURL:     item.FileURL,
		FileName:    item.FileName,
	})
	if err != nil {
		return nil, p.fail(item, d, err)
	}

	item.advance(Confirmed)
	item.MessageID = receipt.MessageID
	p.journal(func(ctx context.Context) error {
		return p.db.MarkOutboxConfirmed(ctx, item.ClientID, receipt.MessageID, receipt.ChatID)
	})
	p.metrics.ObserveSend(string(item.Type), string(Confirmed))

	var outcome Outcome = ExistingChat{ChatID: receipt.ChatID}
	if item.ChatID == 0 {
		outcome = NewChat{ChatID: receipt.ChatID}
	}

	p.logger.Info("message sent",
		zap.String("client_msg_id", item.ClientID),
		zap.Int64("message_id", receipt.MessageID),
		zap.Int64("chat_id", receipt.ChatID),
	)
	p.bus.Emit(bus.MessageSendAck, AckPayload{
		ClientID:  item.ClientID,
		MessageID: receipt.MessageID,
		ChatID:    receipt.ChatID,
		NewChat:   item.ChatID == 0,
	})

	p.messages.ResolveOptimistic(item.ClientID)
	reload := item.ChatID == 0 || receipt.ChatID == p.messages.ActiveChat()
	syncErr := p.resync(ctx, receipt.ChatID, reload)

	return &Result{Item: *item, Receipt: receipt, Outcome: outcome, SyncErr: syncErr}, nil
}

// resync refreshes the chat list and, when reload is set, the history of
// the chat the message landed in. Only the open chat or a freshly created
// one is reloaded, so a send elsewhere never moves the user. A failure here
// is reported but does not undo the send.
func (p *Pipeline) resync(ctx context.Context, chatID int64, reload bool) error {
	var errs []error
	if reload {
		if _, err := p.messages.LoadForChat(ctx, chatID); err != nil && !errors.Is(err, intsync.ErrStale) {
			p.logger.Warn("reload messages after send", zap.Int64("chat_id", chatID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if _, err := p.chats.Refresh(ctx); err != nil && !errors.Is(err, intsync.ErrStale) {
		p.logger.Warn("refresh chats after send", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) showOptimistic(item *Item) {
	if item.ChatID == 0 || item.ChatID != p.messages.ActiveChat() {
		return
	}
	msg := model.Message{
		ClientID: item.ClientID,
		Type:     item.Type,
		Content:  item.Content,
	}
	if item.FileName != "" {
		name := item.FileName
		msg.FileName = &name
	}
	if _, err := p.messages.AppendOptimistic(item.ChatID, msg); err != nil && !errors.Is(err, intsync.ErrNotActive) {
		p.logger.Debug("optimistic append skipped", zap.Error(err))
	}
}

func (p *Pipeline) fail(item *Item, d Draft, err error) error {
	stage := item.Stage
	item.advance(Failed)
	p.journal(func(ctx context.Context) error { return p.db.MarkOutboxFailed(ctx, item.ClientID, err.Error()) })
	p.metrics.ObserveSend(string(item.Type), string(Failed))
	p.messages.ResolveOptimistic(item.ClientID)

	p.logger.Error("send failed",
		zap.String("client_msg_id", item.ClientID),
		zap.String("stage", string(stage)),
		zap.Error(err),
	)
	p.bus.Emit(bus.MessageSendFailed, FailedPayload{ClientID: item.ClientID, Stage: stage, Error: err.Error()})
	return &SendError{Stage: stage, Draft: d, Err: err}
}

// journal records a stage change. The journal is diagnostic, so a write
// error is logged and the send carries on.
func (p *Pipeline) journal(write func(ctx context.Context) error) {
	if p.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		p.logger.Error("outbox journal write failed", zap.Error(err))
	}
}

// Journal returns recent journal entries, newest first.
func (p *Pipeline) Journal(ctx context.Context, status string, limit int) ([]store.OutboxEntry, error) {
	if p.db == nil {
		return nil, nil
	}
	return p.db.RecentOutbox(ctx, status, limit)
}

func validateTarget(op string, d Draft) error {
	if (d.ChatID == 0) == (d.RecipientID == 0) {
		return remote.Validation(op, "exactly one of chat and recipient is required")
	}
	if d.ChatID < 0 || d.RecipientID < 0 {
		return remote.Validation(op, "invalid chat or recipient id")
	}
	return nil
}

// sniffMIME detects the type from content, falling back to the extension
// when the bytes are not recognized.
func sniffMIME(name string, data []byte) string {
	detected := http.DetectContentType(data)
	if detected != "application/octet-stream" && !strings.HasPrefix(detected, "text/plain") {
		return detected
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return detected
}
