package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/bizchat/internal/config"
	"github.com/matheus3301/bizchat/internal/metrics"
	"github.com/matheus3301/bizchat/internal/model"
	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// TokenSource supplies the bearer token for authenticated calls.
// An empty token means no session is held.
type TokenSource interface {
	Token() string
}

// Client is the gateway to the three BizChat cloud functions. It is
// stateless apart from the token source and safe for concurrent use.
type Client struct {
	cfg     config.Remote
	http    *http.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	tokens TokenSource
}

// New creates a Client for the endpoints in cfg. Bearer calls fail with a
// KindState error until UseTokenSource is called.
func New(cfg config.Remote, m *metrics.Metrics, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
		logger:  logger.Named("remote"),
	}
}

// UseTokenSource sets where bearer calls read the token from.
func (c *Client) UseTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// SendCode asks the server to text a one-time code to phone.
func (c *Client) SendCode(ctx context.Context, phone string) (*CodeIssued, error) {
	const op = "send_code"
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, Validation(op, "phone is required")
	}
	var resp sendCodeResponse
	if err := c.call(ctx, op, http.MethodPost, c.cfg.AuthURL, authRequest{Action: op, Phone: phone}, false, &resp); err != nil {
		return nil, err
	}
	return &CodeIssued{
		Message:   resp.Message,
		ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second,
		DevCode:   resp.Code,
	}, nil
}

// VerifyCode exchanges phone and code for a session.
func (c *Client) VerifyCode(ctx context.Context, phone, code, deviceInfo string) (*model.Session, error) {
	const op = "verify_code"
	phone = strings.TrimSpace(phone)
	code = strings.TrimSpace(code)
	if phone == "" || code == "" {
		return nil, Validation(op, "phone and code are required")
	}
	var resp verifyCodeResponse
	req := authRequest{Action: op, Phone: phone, Code: code, DeviceInfo: deviceInfo}
	if err := c.call(ctx, op, http.MethodPost, c.cfg.AuthURL, req, false, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.User == nil {
		return nil, transportError(op, "malformed response", fmt.Errorf("missing token or user"))
	}
	return &model.Session{Token: resp.Token, User: *resp.User}, nil
}

// VerifyToken validates token and returns the current profile of its owner.
func (c *Client) VerifyToken(ctx context.Context, token string) (*model.User, error) {
	const op = "verify_token"
	if token == "" {
		return nil, Validation(op, "token is required")
	}
	var resp verifyTokenResponse
	if err := c.call(ctx, op, http.MethodPost, c.cfg.AuthURL, authRequest{Action: op, Token: token}, false, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, transportError(op, "malformed response", fmt.Errorf("missing user"))
	}
	return resp.User, nil
}

// GetChats returns every chat the user belongs to, in server order.
func (c *Client) GetChats(ctx context.Context) ([]model.Chat, error) {
	const op = "get_chats"
	var resp chatsResponse
	if err := c.call(ctx, op, http.MethodGet, c.messagesURL(url.Values{"action": {op}}), nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// GetMessages returns the full history of chatID, oldest first.
func (c *Client) GetMessages(ctx context.Context, chatID int64) ([]model.Message, error) {
	const op = "get_messages"
	if chatID <= 0 {
		return nil, Validation(op, "chat id is required")
	}
	q := url.Values{"action": {op}, "chat_id": {strconv.FormatInt(chatID, 10)}}
	var resp messagesResponse
	if err := c.call(ctx, op, http.MethodGet, c.messagesURL(q), nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts msg to an existing chat or, by recipient, to a direct
// chat the server creates on demand.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (*SendReceipt, error) {
	const op = "send_message"
	if (msg.ChatID == 0) == (msg.RecipientID == 0) {
		return nil, Validation(op, "exactly one of chat id and recipient id is required")
	}
	if msg.Type == "" {
		msg.Type = model.MessageText
	}
	req := sendMessageRequest{
		Action:      op,
		ChatID:      msg.ChatID,
		RecipientID: msg.RecipientID,
		Type:        msg.Type,
		Content:     msg.Content,
		FileURL:     msg.FileURL,
		FileName:    msg.FileName,
	}
	var receipt SendReceipt
	if err := c.call(ctx, op, http.MethodPost, c.cfg.MessagesURL, req, true, &receipt); err != nil {
		return nil, err
	}
	if receipt.ChatID == 0 {
		return nil, transportError(op, "malformed response", fmt.Errorf("missing chat_id"))
	}
	return &receipt, nil
}

// SearchUsers finds users whose phone contains fragment.
func (c *Client) SearchUsers(ctx context.Context, fragment string) ([]model.User, error) {
	const op = "search_users"
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, Validation(op, "search phone is required")
	}
	var resp usersResponse
	q := url.Values{"action": {op}, "phone": {fragment}}
	if err := c.call(ctx, op, http.MethodGet, c.messagesURL(q), nil, true, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// UploadFile stores up.Data and returns its durable URL.
func (c *Client) UploadFile(ctx context.Context, up Upload) (*UploadedFile, error) {
	const op = "upload_file"
	if len(up.Data) == 0 {
		return nil, Validation(op, "file is empty")
	}
	if up.FileName == "" {
		return nil, Validation(op, "file name is required")
	}
	mime := up.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	req := uploadRequest{
		FileData: base64.StdEncoding.EncodeToString(up.Data),
		FileName: up.FileName,
		FileType: mime,
	}
	var resp UploadedFile
	if err := c.call(ctx, op, http.MethodPost, c.cfg.UploadURL, req, true, &resp); err != nil {
		return nil, err
	}
	if resp.FileURL == "" {
		return nil, applicationError(op, http.StatusOK, "upload returned no file url")
	}
	if resp.FileName == "" {
		resp.FileName = up.FileName
	}
	return &resp, nil
}

func (c *Client) messagesURL(q url.Values) string {
	return c.cfg.MessagesURL + "?" + q.Encode()
}

// call performs one request and decodes the JSON answer into out. Any body
// carrying an "error" field is an application error whatever the status.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body any, bearer bool, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = KindOf(err).String()
		}
		c.metrics.ObserveRemote(op, outcome, time.Since(start))
	}()

	var token string
	if bearer {
		if token = c.token(); token == "" {
			return StateError(op, "not authenticated")
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return transportError(op, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return transportError(op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer {
		// The function gateway only forwards X-Authorization to handlers.
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(op, "read response", err)
	}

	c.logger.Debug("remote call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return &Error{Kind: KindTransport, Op: op, Status: resp.StatusCode, Message: "non-JSON response", Err: err}
	}
	if probe.Error != nil {
		return applicationError(op, resp.StatusCode, *probe.Error)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return applicationError(op, resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindTransport, Op: op, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
