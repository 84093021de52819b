package sync

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixedSelf struct{ user *model.User }

func (s fixedSelf) User() *model.User { return s.user }

// chatSource returns queued responses in order; a gate, when set, holds the
// call until the test releases it.
type chatSource struct {
	mu        gosync.Mutex
	responses [][]model.Chat
	err       error
	calls     int
}

func (s *chatSource) GetChats(context.Context) ([]model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, nil
	}
	r := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return cloneChats(r), nil
}

type gatedMessages struct {
	mu    gosync.Mutex
	gates map[int64]chan struct{}
	data  map[int64][]model.Message
	err   error
}

func newGatedMessages() *gatedMessages {
	return &gatedMessages{gates: map[int64]chan struct{}{}, data: map[int64][]model.Message{}}
}

func (g *gatedMessages) gate(chatID int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.gates[chatID] = ch
	return ch
}

func (g *gatedMessages) GetMessages(ctx context.Context, chatID int64) ([]model.Message, error) {
	g.mu.Lock()
	gate := g.gates[chatID]
	msgs := append([]model.Message(nil), g.data[chatID]...)
	err := g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func sampleChats() []model.Chat {
	ts, _ := model.ParseTimestamp("2024-05-01 10:00:00")
	last := "hey"
	return []model.Chat{
		{ID: 1, Type: model.ChatDirect, Title: "Old"},
		{ID: 2, Type: model.ChatGroup, Title: "Team", LastMessage: &last, LastMessageTime: &ts, UnreadCount: 3},
	}
}

func TestRefreshReplacesCacheAndSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe(bus.ChatsRefreshed, 4)
	defer unsub()

	e := NewChatEngine(&chatSource{responses: [][]model.Chat{sampleChats()}}, db, b, nil, nil)
	chats, err := e.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || e.TotalUnread() != 3 {
		t.Errorf("chats = %+v, unread = %d", chats, e.TotalUnread())
	}
	if got := e.ByRecency(); got[0].ID != 2 {
		t.Errorf("ByRecency first = %d, want 2", got[0].ID)
	}
	if got := e.Chats(); got[0].ID != 1 {
		t.Errorf("Chats() must keep server order, first = %d", got[0].ID)
	}
	if c, ok := e.Chat(2); !ok || c.Title != "Team" {
		t.Errorf("Chat(2) = %+v, %v", c, ok)
	}

	stored, _ := db.ListChats(ctx)
	if len(stored) != 2 {
		t.Errorf("snapshot holds %d chats, want 2", len(stored))
	}
	if v, _ := db.Checkpoint(ctx, CheckpointChatsRefreshed); v == "" {
		t.Error("refresh checkpoint not recorded")
	}

	select {
	case evt := <-events:
		if r, ok := evt.Payload.(RefreshResult); !ok || r.Count != 2 || r.TotalUnread != 3 {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no chats_refreshed event")
	}
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	src := &chatSource{responses: [][]model.Chat{sampleChats()}}
	e := NewChatEngine(src, nil, nil, nil, nil)
	if _, err := e.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.mu.Lock()
	src.err = &remote.Error{Kind: remote.KindTransport, Message: "timeout"}
	src.mu.Unlock()

	if _, err := e.Refresh(context.Background()); !remote.IsTransport(err) {
		t.Fatalf("err = %v, want transport", err)
	}
	if got := e.Chats(); len(got) != 2 {
		t.Errorf("cache changed on failure: %+v", got)
	}
}

func TestConcurrentRefreshIsContentEqual(t *testing.T) {
	want := sampleChats()
	src := &chatSource{responses: [][]model.Chat{want}}
	e := NewChatEngine(src, testDB(t), nil, nil, nil)

	var wg gosync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Refresh(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := e.Chats(); !reflect.DeepEqual(got, want) {
		t.Errorf("cache after concurrent refreshes = %+v, want %+v", got, want)
	}
}

func TestLoadSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	first := NewChatEngine(&chatSource{responses: [][]model.Chat{sampleChats()}}, db, nil, nil, nil)
	if _, err := first.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	// A restarted daemon that cannot reach the server.
	offline := NewChatEngine(&chatSource{err: errors.New("offline")}, db, nil, nil, nil)
	n, err := offline.LoadSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(offline.Chats()) != 2 {
		t.Errorf("loaded %d chats", n)
	}
	if offline.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not restored from checkpoint")
	}

	offline.Reset(ctx)
	if len(offline.Chats()) != 0 {
		t.Error("Reset kept chats")
	}
	if count, _ := db.ChatCount(ctx); count != 0 {
		t.Errorf("snapshot holds %d chats after Reset", count)
	}
}

func TestChatEngineRefreshesOnLogin(t *testing.T) {
	b := bus.New()
	src := &chatSource{responses: [][]model.Chat{sampleChats()}}
	e := NewChatEngine(src, nil, b, nil, nil)
	refreshed, unsub := b.Subscribe(bus.ChatsRefreshed, 1)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	b.Emit(bus.SessionAuthenticated, model.User{ID: 1})
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("login did not trigger a refresh")
	}
	if len(e.Chats()) != 2 {
		t.Errorf("chats = %d, want 2", len(e.Chats()))
	}
}

// blockingChats holds GetChats until release is closed.
type blockingChats struct {
	started chan struct{}
	release chan struct{}
	chats   []model.Chat
}

func (s *blockingChats) GetChats(ctx context.Context) ([]model.Chat, error) {
	close(s.started)
	select {
	case <-s.release:
		return cloneChats(s.chats), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRefreshSpanningResetIsDiscarded(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := &blockingChats{
		started: make(chan struct{}),
		release: make(chan struct{}),
		chats:   []model.Chat{{ID: 7, Type: model.ChatDirect, Title: "previous user", UnreadCount: 2}},
	}
	e := NewChatEngine(src, db, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.Refresh(ctx)
		done <- err
	}()

	select {
	case <-src.started:
	case <-time.After(time.Second):
		t.Fatal("refresh never reached the source")
	}
	e.Reset(ctx)
	close(src.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStale) {
			t.Errorf("err = %v, want ErrStale", err)
		}
	case <-time.After(time.Second):
		t.Fatal("refresh did not return")
	}
	if got := e.Chats(); len(got) != 0 {
		t.Errorf("chats after reset = %+v, want none", got)
	}
	if e.TotalUnread() != 0 || !e.RefreshedAt().IsZero() {
		t.Errorf("unread = %d, refreshedAt = %v", e.TotalUnread(), e.RefreshedAt())
	}
	if stored, _ := db.ListChats(ctx); len(stored) != 0 {
		t.Errorf("snapshot holds %+v after reset", stored)
	}
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	src := newGatedMessages()
	src.data[1] = []model.Message{{ID: 10, Content: "from A"}}
	src.data[2] = []model.Message{{ID: 20, Content: "from B"}}
	releaseA := src.gate(1)

	e := NewMessageEngine(src, fixedSelf{}, nil, nil, nil)

	errA := make(chan error, 1)
	go func() {
		_, err := e.LoadForChat(context.Background(), 1)
		errA <- err
	}()

	// Wait until A is active before switching.
	deadline := time.Now().Add(time.Second)
	for e.ActiveChat() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("load for chat 1 never started")
		}
		time.Sleep(time.Millisecond)
	}

	msgsB, err := e.LoadForChat(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgsB) != 1 || msgsB[0].Content != "from B" {
		t.Fatalf("B messages = %+v", msgsB)
	}

	close(releaseA)
	if err := <-errA; !errors.Is(err, ErrStale) {
		t.Errorf("late load for A err = %v, want ErrStale", err)
	}
	got := e.Messages()
	if len(got) != 1 || got[0].Content != "from B" || e.ActiveChat() != 2 {
		t.Errorf("stale response replaced cache: %+v (active %d)", got, e.ActiveChat())
	}
}

func TestLoadMarksOwnership(t *testing.T) {
	src := newGatedMessages()
	// The wire value is ignored in favor of sender_id.
	src.data[5] = []model.Message{
		{ID: 1, SenderID: 7, IsMine: false},
		{ID: 2, SenderID: 8, IsMine: true},
	}
	e := NewMessageEngine(src, fixedSelf{&model.User{ID: 7}}, nil, nil, nil)

	msgs, err := e.LoadForChat(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].IsMine || msgs[1].IsMine {
		t.Errorf("ownership = [%v %v], want [true false]", msgs[0].IsMine, msgs[1].IsMine)
	}
}

func TestLoadFailureKeepsActiveChat(t *testing.T) {
	src := newGatedMessages()
	src.err = &remote.Error{Kind: remote.KindTransport, Message: "down"}
	e := NewMessageEngine(src, nil, nil, nil, nil)

	if _, err := e.LoadForChat(context.Background(), 3); !remote.IsTransport(err) {
		t.Errorf("err = %v, want transport", err)
	}
	if e.ActiveChat() != 3 {
		t.Errorf("active = %d, want 3", e.ActiveChat())
	}
}

func TestAppendOptimistic(t *testing.T) {
	src := newGatedMessages()
	src.data[4] = []model.Message{{ID: 1, Content: "server"}}
	e := NewMessageEngine(src, fixedSelf{&model.User{ID: 9, FullName: "Me"}}, nil, nil, nil)

	if _, err := e.AppendOptimistic(4, model.Message{Content: "x"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("append before open err = %v, want ErrNotActive", err)
	}

	if _, err := e.LoadForChat(context.Background(), 4); err != nil {
		t.Fatal(err)
	}
	a, err := e.AppendOptimistic(4, model.Message{Content: "first"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := e.AppendOptimistic(4, model.Message{Content: "second"})
	if a.ID >= 0 || b.ID >= a.ID {
		t.Errorf("provisional ids = %d, %d; want negative and decreasing", a.ID, b.ID)
	}
	if !a.Pending || !a.IsMine || a.SenderID != 9 || a.ClientID == "" || a.ClientID == b.ClientID {
		t.Errorf("optimistic entry = %+v", a)
	}

	msgs := e.Messages()
	if len(msgs) != 3 || msgs[2].Content != "second" {
		t.Fatalf("messages = %+v, want optimistic entries at the tail", msgs)
	}

	// Reload keeps in-flight placeholders; resolving drops them.
	e.ResolveOptimistic(a.ClientID)
	msgs, _ = e.LoadForChat(context.Background(), 4)
	if len(msgs) != 2 || msgs[1].ClientID != b.ClientID {
		t.Errorf("after reload = %+v", msgs)
	}

	if _, err := e.AppendOptimistic(99, model.Message{Content: "elsewhere"}); !errors.Is(err, ErrNotActive) {
		t.Errorf("append to inactive chat err = %v", err)
	}
}

func TestMessageEngineResetsOnLogout(t *testing.T) {
	b := bus.New()
	src := newGatedMessages()
	e := NewMessageEngine(src, nil, b, nil, nil)
	if _, err := e.LoadForChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	e.Start(context.Background())
	defer e.Stop()
	b.Emit(bus.SessionLoggedOut, nil)

	deadline := time.Now().Add(time.Second)
	for e.ActiveChat() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("logout did not reset the message engine")
		}
		time.Sleep(time.Millisecond)
	}
}
