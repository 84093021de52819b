package api

import (
	"context"
	"path/filepath"
	"time"

	"github.com/matheus3301/bizchat/internal/directory"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/outbox"
	"github.com/matheus3301/bizchat/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// MessageService implements bizchat.Messages.
type MessageService struct {
	pipeline  *outbox.Pipeline
	directory *directory.Directory
}

// NewMessageService creates a new message service.
func NewMessageService(p *outbox.Pipeline, d *directory.Directory) *MessageService {
	return &MessageService{pipeline: p, directory: d}
}

func (s *MessageService) SendText(ctx context.Context, req *SendTextRequest) (*SendResponse, error) {
	res, err := s.pipeline.SendText(ctx, outbox.Draft{
		ChatID:      req.ChatID,
		RecipientID: req.RecipientID,
		Content:     req.Text,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return sendResponse(res), nil
}

func (s *MessageService) SendFile(ctx context.Context, req *SendFileRequest) (*SendResponse, error) {
	d := outbox.Draft{
		ChatID:      req.ChatID,
		RecipientID: req.RecipientID,
		Content:     req.Caption,
	}

	var (
		res *outbox.Result
		err error
	)
	switch {
	case req.Path != "":
		if !filepath.IsAbs(req.Path) {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "path %q must be absolute", req.Path)
		}
		res, err = s.pipeline.SendFile(ctx, d, req.Path)
	case len(req.Data) > 0:
		d.Attachment = &outbox.PendingUpload{
			ChatID:   req.ChatID,
			Data:     req.Data,
			FileName: req.FileName,
			MIMEType: req.MIMEType,
		}
		res, err = s.pipeline.SendAttachment(ctx, d)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "path or data is required")
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return sendResponse(res), nil
}

func (s *MessageService) SearchUsers(ctx context.Context, req *SearchUsersRequest) (*SearchUsersResponse, error) {
	users, err := s.directory.Search(ctx, req.Phone)
	if err != nil {
		return nil, toStatus(err)
	}
	if users == nil {
		users = []model.User{}
	}
	return &SearchUsersResponse{Users: users}, nil
}

func (s *MessageService) StartChat(ctx context.Context, req *StartChatRequest) (*SendResponse, error) {
	res, err := s.directory.StartChat(ctx, model.User{ID: req.RecipientID}, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return sendResponse(res), nil
}

func (s *MessageService) Outbox(ctx context.Context, req *OutboxRequest) (*OutboxResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.pipeline.Journal(ctx, req.Status, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "read outbox: %v", err)
	}

	resp := &OutboxResponse{Entries: make([]OutboxEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, outboxEntry(e))
	}
	return resp, nil
}

func sendResponse(res *outbox.Result) *SendResponse {
	resp := &SendResponse{
		ClientID: res.Item.ClientID,
		FileURL:  res.Item.FileURL,
	}
	if res.Receipt != nil {
		resp.MessageID = res.Receipt.MessageID
	}
	if res.Outcome != nil {
		resp.ChatID = res.Outcome.ResolvedChat()
		_, resp.NewChat = res.Outcome.(outbox.NewChat)
	}
	if res.SyncErr != nil {
		resp.SyncError = res.SyncErr.Error()
	}
	return resp
}

func outboxEntry(e store.OutboxEntry) OutboxEntry {
	return OutboxEntry{
		ClientID:    e.ClientMsgID,
		ChatID:      e.ChatID,
		RecipientID: e.RecipientID,
		Type:        e.MsgType,
		Content:     e.Content,
		FileName:    e.FileName,
		FileURL:     e.FileURL,
		Status:      e.Status,
		Error:       e.ErrorMessage,
		MessageID:   e.ServerMsgID,
		CreatedAt:   time.UnixMilli(e.CreatedAt).UTC(),
	}
}
