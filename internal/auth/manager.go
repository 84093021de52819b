package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/status"
	"github.com/matheus3301/bizchat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNotAuthenticated is returned by reads that need a session when none is held.
var ErrNotAuthenticated = errors.New("not authenticated")

// Gateway is the slice of the remote client the login flow needs.
type Gateway interface {
	SendCode(ctx context.Context, phone string) (*remote.CodeIssued, error)
	VerifyCode(ctx context.Context, phone, code, deviceInfo string) (*model.Session, error)
	VerifyToken(ctx context.Context, token string) (*model.User, error)
}

// TokenStore persists the session across restarts.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	User(ctx context.Context) (*model.User, error)
	SetUser(ctx context.Context, u *model.User) error
	Clear(ctx context.Context) error
}

// SessionReader is read access to the held session. Engines and the remote
// client depend on this instead of on the Manager.
type SessionReader interface {
	Token() string
	User() *model.User
	State() status.State
}

// Options tunes the login flow.
type Options struct {
	DeviceInfo   string
	CodeCooldown time.Duration
}

// Manager owns the session: it is the only writer of the token, the cached
// profile and the auth state.
type Manager struct {
	gateway Gateway
	tokens  TokenStore
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	deviceInfo string
	cooldown   *rate.Limiter
	now        func() time.Time

	// flow serializes the state-changing operations.
	flow sync.Mutex

	mu           sync.RWMutex
	session      *model.Session
	pendingPhone string
}

// NewManager creates a Manager in the Anonymous state.
func NewManager(gw Gateway, tokens TokenStore, m *status.Machine, b *bus.Bus, opts Options, logger *zap.Logger) *Manager {
	mgr := &Manager{
		gateway:    gw,
		tokens:     tokens,
		machine:    m,
		bus:        b,
		logger:     logging.OrNop(logger).Named("auth"),
		deviceInfo: opts.DeviceInfo,
		now:        time.Now,
	}
	if mgr.deviceInfo == "" {
		mgr.deviceInfo = "bizchat-cli"
	}
	if opts.CodeCooldown > 0 {
		mgr.cooldown = rate.NewLimiter(rate.Every(opts.CodeCooldown), 1)
	}
	return mgr
}

// RequestCode asks the server to text a verification code to phone.
func (m *Manager) RequestCode(ctx context.Context, phone string) (*remote.CodeIssued, error) {
	const op = "request_code"
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, remote.Validation(op, "phone is required")
	}

	m.flow.Lock()
	defer m.flow.Unlock()

	if m.machine.Is(status.Authenticated) {
		return nil, remote.StateError(op, "already authenticated; log out first")
	}

	var reservation *rate.Reservation
	if m.cooldown != nil {
		reservation = m.cooldown.ReserveN(m.now(), 1)
		if delay := reservation.DelayFrom(m.now()); delay > 0 {
			reservation.CancelAt(m.now())
			return nil, remote.Validation(op, fmt.Sprintf("a code was just sent; retry in %s", delay.Round(time.Second)))
		}
	}

	issued, err := m.gateway.SendCode(ctx, phone)
	if err != nil {
		// A failed request should not lock the user out of retrying.
		if reservation != nil {
			reservation.CancelAt(m.now())
		}
		m.logger.Warn("send code failed", logging.Phone(phone), zap.Error(err))
		return nil, err
	}

	if err := m.machine.Transition(status.CodeRequested); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pendingPhone = phone
	m.mu.Unlock()

	m.logger.Info("verification code requested", logging.Phone(phone), zap.Duration("expires_in", issued.ExpiresIn))
	if issued.DevCode != "" {
		m.logger.Debug("development code issued", zap.String("code", issued.DevCode))
	}
	return issued, nil
}

// VerifyCode completes the login. An empty phone falls back to the one the
// code was requested for; an empty deviceInfo to the configured default.
func (m *Manager) VerifyCode(ctx context.Context, phone, code, deviceInfo string) (*model.Session, error) {
	const op = "verify_code"
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, remote.Validation(op, "code is required")
	}

	m.flow.Lock()
	defer m.flow.Unlock()

	if !m.machine.Is(status.CodeRequested) {
		return nil, remote.StateError(op, "no code has been requested")
	}

	phone = strings.TrimSpace(phone)
	if phone == "" {
		m.mu.RLock()
		phone = m.pendingPhone
		m.mu.RUnlock()
	}
	if phone == "" {
		return nil, remote.Validation(op, "phone is required")
	}
	if deviceInfo == "" {
		deviceInfo = m.deviceInfo
	}

	sess, err := m.gateway.VerifyCode(ctx, phone, code, deviceInfo)
	if err != nil {
		m.logger.Warn("code verification failed", logging.Phone(phone), zap.Error(err))
		return nil, err
	}

	if err := m.persist(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.machine.Transition(status.Authenticated); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pendingPhone = ""
	m.mu.Unlock()

	m.logger.Info("authenticated", zap.Int64("user_id", sess.User.ID))
	m.bus.Emit(bus.SessionAuthenticated, sess.User)
	return copySession(sess), nil
}

// RestoreSession revalidates a persisted token once at startup. Any failure,
// including a transport error, clears the stored session: the user logs in
// again rather than running on an unverified token.
func (m *Manager) RestoreSession(ctx context.Context) (bool, error) {
	m.flow.Lock()
	defer m.flow.Unlock()

	if !m.machine.Is(status.Anonymous) {
		return false, remote.StateError("restore_session", "session already active")
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return false, fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		m.logger.Info("no stored session")
		return false, nil
	}

	if exp, ok := tokenExpiry(token); ok && !exp.After(m.now()) {
		m.logger.Info("stored token expired", zap.Time("exp", exp))
		m.discard(ctx)
		return false, nil
	}

	if _, err := m.tokens.User(ctx); errors.Is(err, store.ErrProfileCorrupt) {
		m.logger.Warn("cached profile unreadable, refreshing from server", zap.Error(err))
	}

	user, err := m.gateway.VerifyToken(ctx, token)
	if err != nil {
		m.logger.Warn("stored token rejected", zap.Error(err), zap.Stringer("kind", remote.KindOf(err)))
		m.discard(ctx)
		return false, nil
	}

	sess := &model.Session{Token: token, User: *user}
	if err := m.persist(ctx, sess); err != nil {
		return false, err
	}
	if err := m.machine.Transition(status.Authenticated); err != nil {
		return false, err
	}
	m.logger.Info("session restored", zap.Int64("user_id", user.ID))
	m.bus.Emit(bus.SessionAuthenticated, *user)
	return true, nil
}

// Logout forgets the session locally. The server is not told.
func (m *Manager) Logout(ctx context.Context) error {
	m.flow.Lock()
	defer m.flow.Unlock()

	err := m.tokens.Clear(ctx)

	m.mu.Lock()
	m.session = nil
	m.pendingPhone = ""
	m.mu.Unlock()

	if !m.machine.Is(status.Anonymous) {
		if terr := m.machine.Transition(status.Anonymous); terr != nil {
			return terr
		}
	}
	m.logger.Info("logged out")
	m.bus.Emit(bus.SessionLoggedOut, nil)
	if err != nil {
		return fmt.Errorf("clear stored session: %w", err)
	}
	return nil
}

// Token returns the held bearer token, or "".
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.Token
}

// User returns a copy of the authenticated user, or nil.
func (m *Manager) User() *model.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	u := m.session.User
	return &u
}

// Session returns a copy of the held session or ErrNotAuthenticated.
func (m *Manager) Session() (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrNotAuthenticated
	}
	return copySession(m.session), nil
}

// State returns the current auth state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// PendingPhone returns the phone a code was last requested for.
func (m *Manager) PendingPhone() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingPhone
}

// TokenExpiry reports the exp claim of the held token, read without
// signature verification. ok is false when there is no token or no claim.
func (m *Manager) TokenExpiry() (time.Time, bool) {
	token := m.Token()
	if token == "" {
		return time.Time{}, false
	}
	return tokenExpiry(token)
}

func (m *Manager) persist(ctx context.Context, sess *model.Session) error {
	if err := m.tokens.SetToken(ctx, sess.Token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	user := sess.User
	if err := m.tokens.SetUser(ctx, &user); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	m.mu.Lock()
	m.session = copySession(sess)
	m.mu.Unlock()
	return nil
}

func (m *Manager) discard(ctx context.Context) {
	if err := m.tokens.Clear(ctx); err != nil {
		m.logger.Error("clear stored session", zap.Error(err))
	}
}

func copySession(s *model.Session) *model.Session {
	c := *s
	return &c
}
