package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a session daemon over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	return out, c.invoke(ctx, SessionServiceName, "Status", &StatusRequest{}, out)
}

func (c *Client) RequestCode(ctx context.Context, phone string) (*RequestCodeResponse, error) {
	out := new(RequestCodeResponse)
	return out, c.invoke(ctx, SessionServiceName, "RequestCode", &RequestCodeRequest{Phone: phone}, out)
}

func (c *Client) VerifyCode(ctx context.Context, req *VerifyCodeRequest) (*VerifyCodeResponse, error) {
	out := new(VerifyCodeResponse)
	return out, c.invoke(ctx, SessionServiceName, "VerifyCode", req, out)
}

func (c *Client) Logout(ctx context.Context) (*LogoutResponse, error) {
	out := new(LogoutResponse)
	return out, c.invoke(ctx, SessionServiceName, "Logout", &LogoutRequest{}, out)
}

func (c *Client) ListChats(ctx context.Context, byRecency bool) (*ListChatsResponse, error) {
	out := new(ListChatsResponse)
	return out, c.invoke(ctx, ChatServiceName, "List", &ListChatsRequest{ByRecency: byRecency}, out)
}

func (c *Client) RefreshChats(ctx context.Context) (*ListChatsResponse, error) {
	out := new(ListChatsResponse)
	return out, c.invoke(ctx, ChatServiceName, "Refresh", &RefreshChatsRequest{}, out)
}

func (c *Client) OpenChat(ctx context.Context, chatID int64) (*OpenChatResponse, error) {
	out := new(OpenChatResponse)
	return out, c.invoke(ctx, ChatServiceName, "Open", &OpenChatRequest{ChatID: chatID}, out)
}

func (c *Client) SendText(ctx context.Context, req *SendTextRequest) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.invoke(ctx, MessageServiceName, "SendText", req, out)
}

func (c *Client) SendFile(ctx context.Context, req *SendFileRequest) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.invoke(ctx, MessageServiceName, "SendFile", req, out)
}

func (c *Client) SearchUsers(ctx context.Context, phone string) (*SearchUsersResponse, error) {
	out := new(SearchUsersResponse)
	return out, c.invoke(ctx, MessageServiceName, "SearchUsers", &SearchUsersRequest{Phone: phone}, out)
}

func (c *Client) StartChat(ctx context.Context, recipientID int64, text string) (*SendResponse, error) {
	out := new(SendResponse)
	return out, c.invoke(ctx, MessageServiceName, "StartChat", &StartChatRequest{RecipientID: recipientID, Text: text}, out)
}

func (c *Client) Outbox(ctx context.Context, status string, limit int) (*OutboxResponse, error) {
	out := new(OutboxResponse)
	return out, c.invoke(ctx, MessageServiceName, "Outbox", &OutboxRequest{Status: status, Limit: limit}, out)
}

// Watch streams daemon events matching namespace to fn until ctx ends, the
// daemon closes the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*EventEnvelope) error) error {
	stream, err := c.conn.NewStream(ctx, &sessionServiceDesc.Streams[0], sessionWatchMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(EventEnvelope)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

func (c *Client) invoke(ctx context.Context, service, name string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(service, name), in, out)
}
