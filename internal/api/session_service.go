package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/bizchat/internal/auth"
	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/logging"
	intsync "github.com/matheus3301/bizchat/internal/sync"
	"go.uber.org/zap"
)

// SessionService implements bizchat.Session.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	auth        *auth.Manager
	chats       *intsync.ChatEngine
	messages    *intsync.MessageEngine
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, am *auth.Manager, chats *intsync.ChatEngine, messages *intsync.MessageEngine, b *bus.Bus, logger *zap.Logger) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		auth:        am,
		chats:       chats,
		messages:    messages,
		bus:         b,
		logger:      logging.OrNop(logger).Named("api"),
	}
}

func (s *SessionService) Status(_ context.Context, _ *StatusRequest) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:      s.sessionName,
		State:        string(s.auth.State()),
		User:         s.auth.User(),
		PendingPhone: s.auth.PendingPhone(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
	}
	if exp, ok := s.auth.TokenExpiry(); ok {
		resp.TokenExpiresAt = &exp
	}

	if s.chats != nil {
		resp.ChatCount = len(s.chats.Chats())
		resp.TotalUnread = s.chats.TotalUnread()
		if at := s.chats.RefreshedAt(); !at.IsZero() {
			resp.ChatsRefreshedAt = &at
		}
	}
	if s.messages != nil {
		resp.ActiveChat = s.messages.ActiveChat()
	}
	return resp, nil
}

func (s *SessionService) RequestCode(ctx context.Context, req *RequestCodeRequest) (*RequestCodeResponse, error) {
	issued, err := s.auth.RequestCode(ctx, req.Phone)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RequestCodeResponse{
		Message:      issued.Message,
		ExpiresInSec: int64(issued.ExpiresIn / time.Second),
		DevCode:      issued.DevCode,
	}, nil
}

func (s *SessionService) VerifyCode(ctx context.Context, req *VerifyCodeRequest) (*VerifyCodeResponse, error) {
	sess, err := s.auth.VerifyCode(ctx, req.Phone, req.Code, req.DeviceInfo)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VerifyCodeResponse{User: sess.User}, nil
}

func (s *SessionService) Logout(ctx context.Context, _ *LogoutRequest) (*LogoutResponse, error) {
	if err := s.auth.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &LogoutResponse{Message: "logged out"}, nil
}

// Watch streams bus events until the client goes away.
func (s *SessionService) Watch(req *WatchRequest, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env := &EventEnvelope{
				EventID:          uuid.NewString(),
				Session:          s.sessionName,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Kind:             evt.Kind,
			}
			if evt.Payload != nil {
				raw, err := json.Marshal(evt.Payload)
				if err != nil {
					s.logger.Warn("dropping event with unencodable payload", zap.String("kind", evt.Kind), zap.Error(err))
					continue
				}
				env.Payload = raw
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
