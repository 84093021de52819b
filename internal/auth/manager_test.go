package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/status"
	"github.com/matheus3301/bizchat/internal/store"
)

// fakeGateway issues "000000" as its development code and accepts only that.
type fakeGateway struct {
	mu           sync.Mutex
	sendCalls    int
	verifyCalls  int
	tokenCalls   int
	sendErr      error
	verifyTokErr error
	user         model.User
	token        string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		user:  model.User{ID: 7, Phone: "+79990000000", FullName: "User", Status: "available"},
		token: "opaque-token",
	}
}

func (g *fakeGateway) SendCode(_ context.Context, phone string) (*remote.CodeIssued, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendCalls++
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	return &remote.CodeIssued{Message: "SMS code sent", ExpiresIn: 10 * time.Minute, DevCode: "000000"}, nil
}

func (g *fakeGateway) VerifyCode(_ context.Context, phone, code, deviceInfo string) (*model.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if code != "000000" {
		return nil, &remote.Error{Kind: remote.KindApplication, Op: "verify_code", Status: 400, Code: remote.CodeBadRequest, Message: "Invalid or expired code"}
	}
	return &model.Session{Token: g.token, User: g.user}, nil
}

func (g *fakeGateway) VerifyToken(_ context.Context, token string) (*model.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokenCalls++
	if g.verifyTokErr != nil {
		return nil, g.verifyTokErr
	}
	u := g.user
	return &u, nil
}

func (g *fakeGateway) calls() (send, verify, token int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendCalls, g.verifyCalls, g.tokenCalls
}

func testTokenStore(t *testing.T) *store.TokenStore {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "bizchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewTokenStore(db)
}

func newTestManager(t *testing.T, gw Gateway, ts TokenStore, b *bus.Bus) *Manager {
	t.Helper()
	return NewManager(gw, ts, status.NewMachine(b), b, Options{DeviceInfo: "test"}, nil)
}

func TestRequestCodeEmptyPhone(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw, testTokenStore(t), nil)

	for _, phone := range []string{"", "   ", "\t"} {
		_, err := m.RequestCode(context.Background(), phone)
		if !remote.IsValidation(err) {
			t.Errorf("RequestCode(%q) err = %v, want validation", phone, err)
		}
	}
	if send, _, _ := gw.calls(); send != 0 {
		t.Errorf("send_code called %d times, want 0", send)
	}
	if m.State() != status.Anonymous {
		t.Errorf("state = %s, want ANONYMOUS", m.State())
	}
}

func TestLoginRoundTripWithDevCode(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	events, unsub := b.Subscribe("session.", 16)
	defer unsub()

	ts := testTokenStore(t)
	m := newTestManager(t, newFakeGateway(), ts, b)

	issued, err := m.RequestCode(ctx, "+79990000000")
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != status.CodeRequested {
		t.Fatalf("state = %s, want CODE_REQUESTED", m.State())
	}

	sess, err := m.VerifyCode(ctx, "", issued.DevCode, "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.User.ID != 7 || m.State() != status.Authenticated {
		t.Errorf("session = %+v, state = %s", sess, m.State())
	}
	if m.Token() != "opaque-token" {
		t.Errorf("Token() = %q", m.Token())
	}

	// Persisted for the next start.
	if tok, _ := ts.Token(ctx); tok != "opaque-token" {
		t.Errorf("stored token = %q", tok)
	}
	if u, _ := ts.User(ctx); u == nil || u.ID != 7 {
		t.Errorf("stored user = %+v", u)
	}

	sawAuth := false
	for len(events) > 0 {
		if evt := <-events; evt.Kind == bus.SessionAuthenticated {
			sawAuth = true
		}
	}
	if !sawAuth {
		t.Error("no session.authenticated event")
	}
}

func TestVerifyCodeFailureKeepsCodeRequested(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	m := newTestManager(t, gw, testTokenStore(t), nil)

	if _, err := m.RequestCode(ctx, "+7999"); err != nil {
		t.Fatal(err)
	}
	_, err := m.VerifyCode(ctx, "+7999", "111111", "")
	if !remote.IsApplication(err) {
		t.Fatalf("err = %v, want application", err)
	}
	if m.State() != status.CodeRequested {
		t.Errorf("state = %s, want CODE_REQUESTED", m.State())
	}

	// Retry with the right code succeeds.
	if _, err := m.VerifyCode(ctx, "+7999", "000000", ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestVerifyCodeRequiresCodeRequested(t *testing.T) {
	gw := newFakeGateway()
	m := newTestManager(t, gw, testTokenStore(t), nil)

	_, err := m.VerifyCode(context.Background(), "+7999", "000000", "")
	if !remote.IsState(err) {
		t.Errorf("err = %v, want state", err)
	}
	if _, verify, _ := gw.calls(); verify != 0 {
		t.Error("verify_code reached the gateway")
	}
}

func TestRequestCodeFailureLeavesState(t *testing.T) {
	gw := newFakeGateway()
	gw.sendErr = &remote.Error{Kind: remote.KindTransport, Op: "send_code", Message: "timeout"}
	m := newTestManager(t, gw, testTokenStore(t), nil)

	if _, err := m.RequestCode(context.Background(), "+7999"); !remote.IsTransport(err) {
		t.Fatalf("err = %v, want transport", err)
	}
	if m.State() != status.Anonymous {
		t.Errorf("state = %s, want ANONYMOUS", m.State())
	}
}

func TestRequestCodeCooldown(t *testing.T) {
	gw := newFakeGateway()
	m := NewManager(gw, testTokenStore(t), status.NewMachine(nil), nil, Options{CodeCooldown: time.Minute}, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, err := m.RequestCode(context.Background(), "+7999"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RequestCode(context.Background(), "+7999"); !remote.IsValidation(err) {
		t.Errorf("immediate re-request err = %v, want validation", err)
	}
	if send, _, _ := gw.calls(); send != 1 {
		t.Errorf("send_code calls = %d, want 1", send)
	}

	now = now.Add(time.Minute)
	if _, err := m.RequestCode(context.Background(), "+7999"); err != nil {
		t.Errorf("re-request after cooldown: %v", err)
	}
	if m.State() != status.CodeRequested {
		t.Errorf("state = %s, want CODE_REQUESTED", m.State())
	}
}

func TestRequestCodeWhileAuthenticated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, newFakeGateway(), testTokenStore(t), nil)
	_, _ = m.RequestCode(ctx, "+7999")
	_, _ = m.VerifyCode(ctx, "", "000000", "")

	if _, err := m.RequestCode(ctx, "+7999"); !remote.IsState(err) {
		t.Errorf("err = %v, want state", err)
	}
}

func TestLogoutThenRestoreIsAnonymous(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	ts := testTokenStore(t)
	m := newTestManager(t, gw, ts, nil)

	_, _ = m.RequestCode(ctx, "+7999")
	if _, err := m.VerifyCode(ctx, "", "000000", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if m.State() != status.Anonymous || m.Token() != "" || m.User() != nil {
		t.Fatalf("after logout: state=%s token=%q", m.State(), m.Token())
	}

	// A fresh process over the same store.
	m2 := newTestManager(t, gw, ts, nil)
	ok, err := m2.RestoreSession(ctx)
	if err != nil || ok {
		t.Errorf("RestoreSession() = %v, %v; want false, nil", ok, err)
	}
	if m2.State() != status.Anonymous {
		t.Errorf("state = %s, want ANONYMOUS", m2.State())
	}
	if _, _, tokenCalls := gw.calls(); tokenCalls != 0 {
		t.Error("verify_token called with no stored token")
	}
}

func TestRestoreSessionSuccess(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.user.FullName = "Fresh Name"
	ts := testTokenStore(t)
	_ = ts.SetToken(ctx, "stored")
	_ = ts.SetUser(ctx, &model.User{ID: 7, FullName: "Stale Name"})

	m := newTestManager(t, gw, ts, nil)
	ok, err := m.RestoreSession(ctx)
	if err != nil || !ok {
		t.Fatalf("RestoreSession() = %v, %v", ok, err)
	}
	if m.State() != status.Authenticated || m.Token() != "stored" {
		t.Errorf("state=%s token=%q", m.State(), m.Token())
	}
	if u, _ := ts.User(ctx); u == nil || u.FullName != "Fresh Name" {
		t.Errorf("stored user = %+v, want refreshed profile", u)
	}
}

func TestRestoreSessionFailureClearsStore(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rejected", &remote.Error{Kind: remote.KindApplication, Status: 401, Code: remote.CodeUnauthorized, Message: "Invalid token"}},
		{"transport timeout", &remote.Error{Kind: remote.KindTransport, Message: "request failed", Err: context.DeadlineExceeded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			gw := newFakeGateway()
			gw.verifyTokErr = tt.err
			ts := testTokenStore(t)
			_ = ts.SetToken(ctx, "stored")

			m := newTestManager(t, gw, ts, nil)
			ok, err := m.RestoreSession(ctx)
			if ok || err != nil {
				t.Errorf("RestoreSession() = %v, %v; want false, nil", ok, err)
			}
			if m.State() != status.Anonymous {
				t.Errorf("state = %s", m.State())
			}
			if tok, _ := ts.Token(ctx); tok != "" {
				t.Errorf("token %q survived a failed restore", tok)
			}
			if _, _, calls := gw.calls(); calls != 1 {
				t.Errorf("verify_token calls = %d, want exactly 1", calls)
			}
		})
	}
}

func TestRestoreSessionExpiredJWTSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	expired := signedToken(t, time.Now().Add(-time.Hour))

	gw := newFakeGateway()
	ts := testTokenStore(t)
	_ = ts.SetToken(ctx, expired)

	m := newTestManager(t, gw, ts, nil)
	ok, err := m.RestoreSession(ctx)
	if ok || err != nil {
		t.Errorf("RestoreSession() = %v, %v", ok, err)
	}
	if _, _, calls := gw.calls(); calls != 0 {
		t.Errorf("verify_token calls = %d, want 0 for expired token", calls)
	}
	if tok, _ := ts.Token(ctx); tok != "" {
		t.Error("expired token not cleared")
	}
}

func TestRestoreSessionCorruptProfile(t *testing.T) {
	ctx := context.Background()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "bizchat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	ts := store.NewTokenStore(db)
	_ = ts.SetToken(ctx, "stored")
	if _, err := db.Exec(`INSERT INTO kv (key, value) VALUES ('user', '{broken')`); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, newFakeGateway(), ts, nil)
	ok, err := m.RestoreSession(ctx)
	if err != nil || !ok {
		t.Fatalf("RestoreSession() = %v, %v; a corrupt profile must not cost the token", ok, err)
	}
	if u, err := ts.User(ctx); err != nil || u == nil {
		t.Errorf("profile not repaired: %v, %v", u, err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	got, ok := tokenExpiry(signedToken(t, exp))
	if !ok || !got.Equal(exp) {
		t.Errorf("tokenExpiry = %v, %v; want %v", got, ok, exp)
	}
	if _, ok := tokenExpiry("opaque"); ok {
		t.Error("opaque token reported an expiry")
	}
}

func TestSessionWhenAnonymous(t *testing.T) {
	m := newTestManager(t, newFakeGateway(), testTokenStore(t), nil)
	if _, err := m.Session(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Session() err = %v", err)
	}
	if _, ok := m.TokenExpiry(); ok {
		t.Error("TokenExpiry reported a value without a session")
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": 7, "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}
