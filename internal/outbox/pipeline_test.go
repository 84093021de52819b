package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/store"
)

// mockGateway records calls and returns configurable results.
type mockGateway struct {
	mu        sync.Mutex
	sends     []remote.OutgoingMessage
	uploads   []remote.Upload
	sendErr   error
	uploadErr error
	chatID    int64
}

func (g *mockGateway) SendMessage(_ context.Context, msg remote.OutgoingMessage) (*remote.SendReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sends = append(g.sends, msg)
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	chatID := msg.ChatID
	if chatID == 0 {
		chatID = g.chatID
	}
	return &remote.SendReceipt{MessageID: int64(100 + len(g.sends)), ChatID: chatID}, nil
}

func (g *mockGateway) UploadFile(_ context.Context, up remote.Upload) (*remote.UploadedFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploads = append(g.uploads, up)
	if g.uploadErr != nil {
		return nil, g.uploadErr
	}
	return &remote.UploadedFile{FileURL: "https://cdn/" + up.FileName, FileName: up.FileName, FileSize: int64(len(up.Data))}, nil
}

// spyMessages records which chats were reloaded and which optimistic
// entries were shown.
type spyMessages struct {
	mu         sync.Mutex
	active     int64
	loads      []int64
	optimistic []model.Message
	resolved   []string
}

func (s *spyMessages) ActiveChat() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *spyMessages) AppendOptimistic(chatID int64, msg model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Pending = true
	s.optimistic = append(s.optimistic, msg)
	return msg, nil
}

func (s *spyMessages) ResolveOptimistic(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, clientID)
	return true
}

func (s *spyMessages) LoadForChat(_ context.Context, chatID int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, chatID)
	return nil, nil
}

type spyChats struct {
	mu       sync.Mutex
	refreshs int
	err      error
}

func (s *spyChats) Refresh(context.Context) ([]model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshs++
	return nil, s.err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	gw       *mockGateway
	messages *spyMessages
	chats    *spyChats
	db       *store.DB
	bus      *bus.Bus
	p        *Pipeline
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		gw:       &mockGateway{chatID: 55},
		messages: &spyMessages{},
		chats:    &spyChats{},
		db:       testDB(t),
		bus:      bus.New(),
	}
	f.p = NewPipeline(f.gw, f.messages, f.chats, f.db, f.bus, nil, nil)
	return f
}

func TestSendTextRejectsEmptyBeforeNetwork(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		draft Draft
	}{
		{"empty", Draft{ChatID: 1, Content: ""}},
		{"whitespace", Draft{ChatID: 1, Content: " \n\t "}},
		{"no target", Draft{Content: "hi"}},
		{"both targets", Draft{ChatID: 1, RecipientID: 2, Content: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.p.SendText(context.Background(), tt.draft)
			if !remote.IsValidation(err) {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}

	if len(f.gw.sends) != 0 {
		t.Errorf("gateway saw %d sends, want 0", len(f.gw.sends))
	}
	if entries, _ := f.db.RecentOutbox(context.Background(), "", 10); len(entries) != 0 {
		t.Errorf("journal has %d entries for rejected drafts", len(entries))
	}
}

func TestSendTextConfirmedTriggersResync(t *testing.T) {
	f := newFixture(t)
	f.messages.active = 7
	acks, unsub := f.bus.Subscribe(bus.MessageSendAck, 1)
	defer unsub()

	res, err := f.p.SendText(context.Background(), Draft{ChatID: 7, Content: "  hello  "})
	if err != nil {
		t.Fatal(err)
	}
	if res.Item.Stage != Confirmed || res.Item.Content != "hello" {
		t.Errorf("item = %+v", res.Item)
	}
	if oc, ok := res.Outcome.(ExistingChat); !ok || oc.ChatID != 7 {
		t.Errorf("outcome = %#v, want ExistingChat{7}", res.Outcome)
	}
	if res.SyncErr != nil {
		t.Errorf("SyncErr = %v", res.SyncErr)
	}

	if len(f.messages.loads) != 1 || f.messages.loads[0] != 7 {
		t.Errorf("reloaded chats = %v, want [7]", f.messages.loads)
	}
	if f.chats.refreshs != 1 {
		t.Errorf("chat refreshes = %d, want 1", f.chats.refreshs)
	}

	if len(f.messages.optimistic) != 1 || f.messages.optimistic[0].ClientID != res.Item.ClientID {
		t.Errorf("optimistic = %+v", f.messages.optimistic)
	}
	if len(f.messages.resolved) != 1 {
		t.Error("optimistic entry not resolved")
	}
	if len(acks) != 1 {
		t.Error("no send_ack event")
	}

	entries, _ := f.db.RecentOutbox(context.Background(), store.OutboxConfirmed, 10)
	if len(entries) != 1 || entries[0].ServerMsgID != res.Receipt.MessageID {
		t.Errorf("journal = %+v", entries)
	}
}

func TestSendToInactiveChatSkipsOptimistic(t *testing.T) {
	f := newFixture(t)
	f.messages.active = 3

	if _, err := f.p.SendText(context.Background(), Draft{ChatID: 4, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(f.messages.optimistic) != 0 {
		t.Errorf("optimistic entry added to inactive chat: %+v", f.messages.optimistic)
	}
}

func TestSendToInactiveChatKeepsOpenChat(t *testing.T) {
	f := newFixture(t)
	f.messages.active = 3

	res, err := f.p.SendText(context.Background(), Draft{ChatID: 5, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncErr != nil {
		t.Errorf("SyncErr = %v", res.SyncErr)
	}
	if len(f.messages.loads) != 0 {
		t.Errorf("reloaded %v, want the open chat left alone", f.messages.loads)
	}
	if f.chats.refreshs != 1 {
		t.Errorf("chat refreshes = %d, want 1", f.chats.refreshs)
	}
}

func TestSendByRecipientIsNewChat(t *testing.T) {
	f := newFixture(t)

	res, err := f.p.SendText(context.Background(), Draft{RecipientID: 9, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if oc, ok := res.Outcome.(NewChat); !ok || oc.ChatID != 55 {
		t.Errorf("outcome = %#v, want NewChat{55}", res.Outcome)
	}
	if res.Outcome.ResolvedChat() != 55 {
		t.Errorf("ResolvedChat = %d", res.Outcome.ResolvedChat())
	}
	if got := f.gw.sends[0]; got.RecipientID != 9 || got.ChatID != 0 {
		t.Errorf("outgoing = %+v", got)
	}
	if len(f.messages.loads) != 1 || f.messages.loads[0] != 55 {
		t.Errorf("reloaded = %v, want the created chat", f.messages.loads)
	}
}

func TestUploadFailureNeverSends(t *testing.T) {
	f := newFixture(t)
	f.gw.uploadErr = &remote.Error{Kind: remote.KindApplication, Message: "Upload failed: quota"}
	failures, unsub := f.bus.Subscribe(bus.MessageSendFailed, 1)
	defer unsub()

	draft := Draft{ChatID: 7, Attachment: &PendingUpload{Data: []byte("%PDF-1.4"), FileName: "doc.pdf"}}
	_, err := f.p.SendAttachment(context.Background(), draft)

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %T %v, want *SendError", err, err)
	}
	if sendErr.Stage != Uploading {
		t.Errorf("failed stage = %s, want uploading", sendErr.Stage)
	}
	if sendErr.Draft.Attachment == nil || sendErr.Draft.Attachment.FileName != "doc.pdf" {
		t.Error("draft not handed back")
	}
	if !remote.IsApplication(err) {
		t.Error("cause not reachable through Unwrap")
	}
	if len(f.gw.sends) != 0 {
		t.Errorf("send_message called %d times after failed upload", len(f.gw.sends))
	}
	if f.chats.refreshs != 0 {
		t.Error("failed send triggered a refresh")
	}
	if len(failures) != 1 {
		t.Error("no send_failed event")
	}

	failed, _ := f.db.RecentOutbox(context.Background(), store.OutboxFailed, 10)
	if len(failed) != 1 || failed[0].ErrorMessage == "" {
		t.Errorf("journal = %+v", failed)
	}
}

func TestSendFailureReturnsDraft(t *testing.T) {
	f := newFixture(t)
	f.gw.sendErr = &remote.Error{Kind: remote.KindTransport, Message: "timeout"}

	draft := Draft{ChatID: 7, Content: "hello"}
	_, err := f.p.SendText(context.Background(), draft)
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Stage != Sending || sendErr.Draft.Content != "hello" {
		t.Fatalf("err = %v", err)
	}
	if len(f.gw.sends) != 1 {
		t.Errorf("sends = %d, want exactly 1 (no auto-retry)", len(f.gw.sends))
	}
}

func TestSendAttachment(t *testing.T) {
	f := newFixture(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	res, err := f.p.SendAttachment(context.Background(), Draft{ChatID: 7, Attachment: &PendingUpload{Data: png, FileName: "cat.png"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.gw.uploads) != 1 || f.gw.uploads[0].MIMEType != "image/png" {
		t.Errorf("uploads = %+v", f.gw.uploads)
	}
	sent := f.gw.sends[0]
	if sent.Type != model.MessageImage || sent.FileURL != "https://cdn/cat.png" || sent.FileName != "cat.png" || sent.Content != "cat.png" {
		t.Errorf("outgoing = %+v", sent)
	}
	if res.Item.FileURL == "" {
		t.Error("item lost the file url")
	}
}

func TestSendFileFromDisk(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain notes"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := f.p.SendFile(context.Background(), Draft{ChatID: 7, Content: "see attached"}, path); err != nil {
		t.Fatal(err)
	}
	sent := f.gw.sends[0]
	if sent.Type != model.MessageFile || sent.Content != "see attached" || sent.FileName != "notes.txt" {
		t.Errorf("outgoing = %+v", sent)
	}

	_, err := f.p.SendFile(context.Background(), Draft{ChatID: 7}, filepath.Join(t.TempDir(), "missing"))
	if !remote.IsValidation(err) {
		t.Errorf("missing file err = %v, want validation", err)
	}
	if len(f.gw.uploads) != 1 {
		t.Error("missing file reached the network")
	}
}

func TestRefreshFailureKeepsConfirmation(t *testing.T) {
	f := newFixture(t)
	f.chats.err = &remote.Error{Kind: remote.KindTransport, Message: "down"}

	res, err := f.p.SendText(context.Background(), Draft{ChatID: 7, Content: "hi"})
	if err != nil {
		t.Fatalf("send reported failure because refresh failed: %v", err)
	}
	if res.Item.Stage != Confirmed || !remote.IsTransport(res.SyncErr) {
		t.Errorf("stage = %s, SyncErr = %v", res.Item.Stage, res.SyncErr)
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Confirmed -> Sending did not panic")
		}
	}()
	it := &Item{Stage: Confirmed}
	it.advance(Sending)
}

func TestSniffMIME(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"photo.jpg", []byte("\xff\xd8\xff\xe0"), "image/jpeg"},
		{"doc.pdf", []byte("%PDF-1.7"), "application/pdf"},
		{"pic.png", []byte("not really a png"), "image/png"},
	}
	for _, tt := range tests {
		if got := sniffMIME(tt.name, tt.data); got != tt.want {
			t.Errorf("sniffMIME(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
