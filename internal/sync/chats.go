package sync

import (
	"context"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/metrics"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/store"
	"go.uber.org/zap"
)

// CheckpointChatsRefreshed records the unix-millis time of the last good refresh.
const CheckpointChatsRefreshed = "chats.refreshed_at"

// ChatSource fetches the full chat list.
type ChatSource interface {
	GetChats(ctx context.Context) ([]model.Chat, error)
}

// RefreshResult is the payload of sync.chats_refreshed.
type RefreshResult struct {
	Count       int
	TotalUnread int
}

// ChatEngine holds the chat list. Every refresh replaces it wholesale, so
// concurrent refreshes resolve as last-write-wins.
type ChatEngine struct {
	source  ChatSource
	db      *store.DB
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	cancel  context.CancelFunc

	// commit orders cache replacement and snapshot writes together.
	commit gosync.Mutex

	mu          gosync.RWMutex
	chats       []model.Chat
	refreshedAt time.Time
	// epoch advances on every Reset; a refresh that spans one is dropped.
	epoch uint64
}

// NewChatEngine creates a chat engine. db may be nil, in which case no
// offline snapshot is kept.
func NewChatEngine(source ChatSource, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *ChatEngine {
	return &ChatEngine{
		source:  source,
		db:      db,
		bus:     b,
		metrics: m,
		logger:  logging.OrNop(logger).Named("chats"),
	}
}

// Start refreshes on login and resets on logout.
func (e *ChatEngine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("session.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *ChatEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *ChatEngine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.SessionAuthenticated:
		if _, err := e.Refresh(ctx); err != nil {
			e.logger.Warn("refresh after login failed", zap.Error(err))
		}
	case bus.SessionLoggedOut:
		e.Reset(ctx)
	}
}

// Refresh fetches the chat list and replaces the cache. On failure the
// cache is left as it was. A response that arrives after a Reset is
// discarded with ErrStale.
func (e *ChatEngine) Refresh(ctx context.Context) ([]model.Chat, error) {
	e.mu.RLock()
	epoch := e.epoch
	e.mu.RUnlock()

	chats, err := e.source.GetChats(ctx)
	if err != nil {
		e.metrics.ObserveRefresh(remote.KindOf(err).String())
		return nil, fmt.Errorf("refresh chats: %w", err)
	}
	e.metrics.ObserveRefresh(metrics.OutcomeOK)

	e.commit.Lock()
	defer e.commit.Unlock()

	now := time.Now()
	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		e.logger.Debug("discarding chat list fetched before reset", zap.Int("count", len(chats)))
		return nil, fmt.Errorf("refresh chats: %w", ErrStale)
	}
	e.chats = cloneChats(chats)
	e.refreshedAt = now
	unread := totalUnread(e.chats)
	e.mu.Unlock()

	e.persist(ctx, chats, now)

	e.logger.Debug("chats refreshed", zap.Int("count", len(chats)))
	e.bus.Emit(bus.ChatsRefreshed, RefreshResult{Count: len(chats), TotalUnread: unread})
	return cloneChats(chats), nil
}

func (e *ChatEngine) persist(ctx context.Context, chats []model.Chat, at time.Time) {
	if e.db == nil {
		return
	}
	if err := e.db.ReplaceChats(ctx, chats); err != nil {
		e.logger.Error("snapshot chats", zap.Error(err))
		return
	}
	if err := e.db.UpdateCheckpoint(ctx, CheckpointChatsRefreshed, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		e.logger.Error("update checkpoint", zap.Error(err))
	}
}

// LoadSnapshot fills an empty cache from the last stored list, so the
// daemon can answer while the server is unreachable. It reports how many
// chats were loaded.
func (e *ChatEngine) LoadSnapshot(ctx context.Context) (int, error) {
	if e.db == nil {
		return 0, nil
	}
	chats, err := e.db.ListChats(ctx)
	if err != nil {
		return 0, fmt.Errorf("load chat snapshot: %w", err)
	}
	var at time.Time
	if v, err := e.db.Checkpoint(ctx, CheckpointChatsRefreshed); err == nil && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			at = time.UnixMilli(ms)
		}
	}

	e.commit.Lock()
	defer e.commit.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chats != nil {
		return 0, nil
	}
	e.chats = chats
	e.refreshedAt = at
	return len(chats), nil
}

// Chats returns a copy of the list in server order.
func (e *ChatEngine) Chats() []model.Chat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneChats(e.chats)
}

// ByRecency returns the list ordered by last activity, newest first.
func (e *ChatEngine) ByRecency() []model.Chat {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return model.SortByRecency(e.chats)
}

// Chat looks up one chat by id.
func (e *ChatEngine) Chat(id int64) (model.Chat, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.chats {
		if c.ID == id {
			return c, true
		}
	}
	return model.Chat{}, false
}

// TotalUnread sums unread counters across the list.
func (e *ChatEngine) TotalUnread() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return totalUnread(e.chats)
}

// RefreshedAt returns when the list was last fetched; zero if never.
func (e *ChatEngine) RefreshedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.refreshedAt
}

// Reset drops the cached list and its snapshot.
func (e *ChatEngine) Reset(ctx context.Context) {
	e.commit.Lock()
	defer e.commit.Unlock()

	e.mu.Lock()
	e.chats = nil
	e.refreshedAt = time.Time{}
	e.epoch++
	e.mu.Unlock()

	if e.db != nil {
		if err := e.db.ReplaceChats(ctx, nil); err != nil {
			e.logger.Error("clear chat snapshot", zap.Error(err))
		}
	}
}

func cloneChats(chats []model.Chat) []model.Chat {
	if chats == nil {
		return nil
	}
	out := make([]model.Chat, len(chats))
	copy(out, chats)
	return out
}

func totalUnread(chats []model.Chat) int {
	n := 0
	for _, c := range chats {
		n += c.UnreadCount
	}
	return n
}
