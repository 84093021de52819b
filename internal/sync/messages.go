package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/metrics"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"go.uber.org/zap"
)

var (
	// ErrStale is returned when a fetch finished after the view it was
	// meant for had moved on, either to another chat or past a logout. The
	// response was dropped.
	ErrStale = errors.New("response superseded")

	// ErrNotActive is returned when an optimistic message targets a chat
	// that is not open.
	ErrNotActive = errors.New("chat is not the active chat")
)

// MessageSource fetches a chat's history.
type MessageSource interface {
	GetMessages(ctx context.Context, chatID int64) ([]model.Message, error)
}

// Self exposes the authenticated user; nil when logged out.
type Self interface {
	User() *model.User
}

// LoadResult is the payload of sync.messages_loaded and sync.messages_discarded.
type LoadResult struct {
	ChatID int64
	Count  int
}

// OptimisticPayload is the payload of message.optimistic.
type OptimisticPayload struct {
	ChatID  int64
	Message model.Message
}

// MessageEngine holds the history of the one open chat.
type MessageEngine struct {
	source  MessageSource
	self    Self
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu          gosync.RWMutex
	active      int64
	messages    []model.Message
	provisional int64
}

// NewMessageEngine creates a message engine with no active chat.
func NewMessageEngine(source MessageSource, self Self, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *MessageEngine {
	return &MessageEngine{
		source:  source,
		self:    self,
		bus:     b,
		metrics: m,
		logger:  logging.OrNop(logger).Named("messages"),
	}
}

// Start resets the engine on logout.
func (e *MessageEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(bus.SessionLoggedOut, 4)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				e.Reset()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *MessageEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// LoadForChat makes chatID the active chat and fetches its history. The
// response is applied only if chatID is still active when it arrives;
// otherwise it is dropped and ErrStale returned.
func (e *MessageEngine) LoadForChat(ctx context.Context, chatID int64) ([]model.Message, error) {
	if chatID <= 0 {
		return nil, remote.Validation("load_messages", "chat id is required")
	}

	e.mu.Lock()
	if e.active != chatID {
		e.active = chatID
		e.messages = nil
	}
	e.mu.Unlock()

	msgs, err := e.source.GetMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages for chat %d: %w", chatID, err)
	}

	var selfID int64
	if u := e.selfUser(); u != nil {
		selfID = u.ID
	}
	for i := range msgs {
		msgs[i].MarkOwnership(selfID)
	}

	e.mu.Lock()
	if e.active != chatID {
		e.mu.Unlock()
		e.metrics.ObserveStale()
		e.logger.Debug("discarded stale messages", zap.Int64("chat_id", chatID))
		e.bus.Emit(bus.MessagesDiscarded, LoadResult{ChatID: chatID, Count: len(msgs)})
		return nil, ErrStale
	}
	// Sends still in flight keep their placeholders at the tail.
	for _, m := range e.messages {
		if m.Pending {
			msgs = append(msgs, m)
		}
	}
	e.messages = msgs
	out := cloneMessages(msgs)
	e.mu.Unlock()

	e.bus.Emit(bus.MessagesLoaded, LoadResult{ChatID: chatID, Count: len(out)})
	return out, nil
}

// AppendOptimistic appends msg to the active chat as a pending entry with a
// negative provisional ID. It returns the stored entry.
func (e *MessageEngine) AppendOptimistic(chatID int64, msg model.Message) (model.Message, error) {
	e.mu.Lock()
	if chatID == 0 || e.active != chatID {
		e.mu.Unlock()
		return msg, ErrNotActive
	}
	e.provisional--
	msg.ID = e.provisional
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	msg.Pending = true
	msg.IsMine = true
	if u := e.selfUser(); u != nil {
		msg.SenderID = u.ID
		msg.SenderName = u.FullName
		msg.SenderAvatar = u.AvatarURL
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = model.Timestamp{Time: time.Now().UTC()}
	}
	e.messages = append(e.messages, msg)
	e.mu.Unlock()

	e.bus.Emit(bus.MessageOptimistic, OptimisticPayload{ChatID: chatID, Message: msg})
	return msg, nil
}

// ResolveOptimistic removes the pending entry for clientID, once its send
// has either been confirmed or failed. It reports whether one was found.
func (e *MessageEngine) ResolveOptimistic(clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, m := range e.messages {
		if m.Pending && m.ClientID == clientID {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the active chat's history.
func (e *MessageEngine) Messages() []model.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneMessages(e.messages)
}

// ActiveChat returns the open chat id, 0 if none.
func (e *MessageEngine) ActiveChat() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Reset closes the active chat and drops its history.
func (e *MessageEngine) Reset() {
	e.mu.Lock()
	e.active = 0
	e.messages = nil
	e.mu.Unlock()
}

func (e *MessageEngine) selfUser() *model.User {
	if e.self == nil {
		return nil
	}
	return e.self.User()
}

func cloneMessages(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}
