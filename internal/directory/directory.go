package directory

import (
	"context"
	"strings"

	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/outbox"
	"github.com/matheus3301/bizchat/internal/remote"
	"go.uber.org/zap"
)

// Searcher looks users up by phone fragment.
type Searcher interface {
	SearchUsers(ctx context.Context, fragment string) ([]model.User, error)
}

// TextSender delivers a first message.
type TextSender interface {
	SendText(ctx context.Context, d outbox.Draft) (*outbox.Result, error)
}

// Self exposes the authenticated user.
type Self interface {
	User() *model.User
}

// Directory finds other users and opens direct chats with them.
type Directory struct {
	searcher Searcher
	sender   TextSender
	self     Self
	logger   *zap.Logger
}

// New creates a Directory.
func New(searcher Searcher, sender TextSender, self Self, logger *zap.Logger) *Directory {
	return &Directory{
		searcher: searcher,
		sender:   sender,
		self:     self,
		logger:   logging.OrNop(logger).Named("directory"),
	}
}

// Search returns users whose phone contains fragment, never including the
// authenticated user.
func (d *Directory) Search(ctx context.Context, fragment string) ([]model.User, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, remote.Validation("search_users", "search phone is required")
	}
	users, err := d.searcher.SearchUsers(ctx, fragment)
	if err != nil {
		return nil, err
	}

	var selfID int64
	if u := d.self.User(); u != nil {
		selfID = u.ID
	}
	out := users[:0]
	for _, u := range users {
		if selfID != 0 && u.ID == selfID {
			continue
		}
		out = append(out, u)
	}
	d.logger.Debug("directory search", zap.Int("results", len(out)))
	return out, nil
}

// StartChat sends text to recipient without a chat id. The server creates
// the direct chat, or reuses the existing one, and the result's outcome
// carries its id.
func (d *Directory) StartChat(ctx context.Context, recipient model.User, text string) (*outbox.Result, error) {
	if recipient.ID <= 0 {
		return nil, remote.Validation("start_chat", "recipient is required")
	}
	if u := d.self.User(); u != nil && u.ID == recipient.ID {
		return nil, remote.Validation("start_chat", "cannot start a chat with yourself")
	}
	return d.sender.SendText(ctx, outbox.Draft{RecipientID: recipient.ID, Content: text})
}
