package api

import (
	"context"
	"time"

	"github.com/matheus3301/bizchat/internal/model"
	intsync "github.com/matheus3301/bizchat/internal/sync"
)

// ChatService implements bizchat.Chats on top of the chat and message engines.
type ChatService struct {
	chats    *intsync.ChatEngine
	messages *intsync.MessageEngine
}

// NewChatService creates a new chat service.
func NewChatService(chats *intsync.ChatEngine, messages *intsync.MessageEngine) *ChatService {
	return &ChatService{chats: chats, messages: messages}
}

// List answers from the cache without touching the network.
func (s *ChatService) List(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	chats := s.chats.Chats()
	if req.ByRecency {
		chats = s.chats.ByRecency()
	}
	return s.listResponse(chats), nil
}

func (s *ChatService) Refresh(ctx context.Context, _ *RefreshChatsRequest) (*ListChatsResponse, error) {
	if _, err := s.chats.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.listResponse(s.chats.Chats()), nil
}

func (s *ChatService) Open(ctx context.Context, req *OpenChatRequest) (*OpenChatResponse, error) {
	msgs, err := s.messages.LoadForChat(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &OpenChatResponse{ChatID: req.ChatID, Messages: msgs}, nil
}

func (s *ChatService) listResponse(chats []model.Chat) *ListChatsResponse {
	resp := &ListChatsResponse{
		Chats:       chats,
		TotalUnread: s.chats.TotalUnread(),
	}
	if at := s.chats.RefreshedAt(); !at.IsZero() {
		at = at.UTC().Truncate(time.Millisecond)
		resp.RefreshedAt = &at
	}
	return resp
}
