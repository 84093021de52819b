package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/bizchat/internal/api"
	"github.com/matheus3301/bizchat/internal/lock"
	"github.com/matheus3301/bizchat/internal/model"
	"github.com/matheus3301/bizchat/internal/session"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const callTimeout = 30 * time.Second

// sessionName is the resolved session, kept for error hints.
var sessionName string

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	sessionName = session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "sessions" {
		listSessions(*jsonFlag)
		return
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	cli := &ctl{client: c, json: *jsonFlag}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "status":
		cli.status()
	case "request-code":
		need(rest, 1, "request-code <phone>")
		cli.requestCode(rest[0])
	case "verify":
		need(rest, 1, "verify <code> [phone]")
		phone := ""
		if len(rest) > 1 {
			phone = rest[1]
		}
		cli.verify(phone, rest[0])
	case "login":
		need(rest, 1, "login <phone>")
		cli.login(rest[0])
	case "logout":
		cli.logout()
	case "chats":
		fs := flag.NewFlagSet("chats", flag.ExitOnError)
		recent := fs.Bool("recent", false, "order by last activity")
		_ = fs.Parse(rest)
		cli.chats(*recent)
	case "refresh":
		cli.refresh()
	case "open", "messages":
		need(rest, 1, cmd+" <chat-id>")
		cli.open(parseID(rest[0]))
	case "send":
		need(rest, 2, "send <chat-id> <text>")
		cli.send(parseID(rest[0]), strings.Join(rest[1:], " "))
	case "send-file":
		need(rest, 2, "send-file <chat-id> <path> [caption]")
		cli.sendFile(parseID(rest[0]), rest[1], strings.Join(rest[2:], " "))
	case "search":
		need(rest, 1, "search <phone>")
		cli.search(rest[0])
	case "start-chat":
		need(rest, 2, "start-chat <user-id> <text>")
		cli.startChat(parseID(rest[0]), strings.Join(rest[1:], " "))
	case "outbox":
		fs := flag.NewFlagSet("outbox", flag.ExitOnError)
		limit := fs.Int("limit", 20, "max entries")
		_ = fs.Parse(rest)
		cli.outbox(fs.Arg(0), *limit)
	case "watch":
		ns := ""
		if len(rest) > 0 {
			ns = rest[0]
		}
		cli.watch(ns)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: bizchatctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                             Show session status")
	fmt.Fprintln(os.Stderr, "  login <phone>                      Request a code and verify it interactively")
	fmt.Fprintln(os.Stderr, "  request-code <phone>               Request an SMS code")
	fmt.Fprintln(os.Stderr, "  verify <code> [phone]              Verify a code")
	fmt.Fprintln(os.Stderr, "  logout                             Forget the session")
	fmt.Fprintln(os.Stderr, "  chats [--recent]                   List cached chats")
	fmt.Fprintln(os.Stderr, "  refresh                            Reload chats from the server")
	fmt.Fprintln(os.Stderr, "  open <chat-id>                     Open a chat and print its messages")
	fmt.Fprintln(os.Stderr, "  send <chat-id> <text>              Send a text message")
	fmt.Fprintln(os.Stderr, "  send-file <chat-id> <path> [text]  Upload and send a file")
	fmt.Fprintln(os.Stderr, "  search <phone>                     Find users by phone")
	fmt.Fprintln(os.Stderr, "  start-chat <user-id> <text>        Message a user without a chat")
	fmt.Fprintln(os.Stderr, "  outbox [--limit n] [status]        Show recent sends")
	fmt.Fprintln(os.Stderr, "  watch [namespace]                  Stream daemon events")
	fmt.Fprintln(os.Stderr, "  sessions                           List local sessions")
}

type sessionInfo struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	PID     int       `json:"pid,omitempty"`
	Since   time.Time `json:"since,omitzero"`
}

// listSessions reads the session directories and their lock files; it does
// not need a daemon.
func listSessions(jsonOut bool) {
	names, err := session.List()
	check(err)
	infos := make([]sessionInfo, 0, len(names))
	for _, n := range names {
		info := sessionInfo{Name: n}
		if h, err := lock.Inspect(session.LockPath(n)); err == nil {
			info.Running, info.PID, info.Since = true, h.PID, h.Since
		}
		infos = append(infos, info)
	}
	if jsonOut {
		outputJSON(infos)
		return
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range infos {
		state := "stopped"
		if s.Running {
			state = fmt.Sprintf("running (pid %d)", s.PID)
		}
		marker := " "
		if s.Name == sessionName {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s\n", marker, s.Name, state)
	}
}

type ctl struct {
	client *api.Client
	json   bool
}

func (c *ctl) status() {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.Status(ctx)
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session: %s\n", resp.Session)
	fmt.Printf("State:   %s\n", resp.State)
	if resp.User != nil {
		fmt.Printf("User:    %s (%s, id %d)\n", resp.User.FullName, resp.User.Phone, resp.User.ID)
	}
	if resp.PendingPhone != "" {
		fmt.Printf("Code sent to: %s\n", resp.PendingPhone)
	}
	if resp.TokenExpiresAt != nil {
		fmt.Printf("Token expires: %s\n", resp.TokenExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Printf("Chats:   %d (%d unread)\n", resp.ChatCount, resp.TotalUnread)
	if resp.ChatsRefreshedAt != nil {
		fmt.Printf("Refreshed: %s\n", resp.ChatsRefreshedAt.Local().Format(time.RFC1123))
	}
	fmt.Printf("Uptime:  %dms\n", resp.UptimeMs)
}

func (c *ctl) requestCode(phone string) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.RequestCode(ctx, phone)
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	printIssued(resp)
}

func (c *ctl) verify(phone, code string) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.VerifyCode(ctx, &api.VerifyCodeRequest{Phone: phone, Code: code})
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Logged in as %s (%s)\n", resp.User.FullName, resp.User.Phone)
}

func (c *ctl) login(phone string) {
	ctx, cancel := callContext()
	issued, err := c.client.RequestCode(ctx, phone)
	cancel()
	check(err)
	printIssued(issued)

	fmt.Print("Code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fatalf("read code: %v", err)
	}
	c.verify(phone, strings.TrimSpace(line))
}

func (c *ctl) logout() {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.Logout(ctx)
	check(err)
	fmt.Println(resp.Message)
}

func (c *ctl) chats(recent bool) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.ListChats(ctx, recent)
	check(err)
	c.printChats(resp)
}

func (c *ctl) refresh() {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.RefreshChats(ctx)
	check(err)
	c.printChats(resp)
}

func (c *ctl) printChats(resp *api.ListChatsResponse) {
	if c.json {
		outputJSON(resp)
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, ch := range resp.Chats {
		last := ""
		if ch.LastMessage != nil {
			last = *ch.LastMessage
		}
		unread := ""
		if ch.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d]", ch.UnreadCount)
		}
		fmt.Printf("%6d  %-6s %-24s%s  %s\n", ch.ID, ch.Type, ch.Title, unread, truncate(last, 40))
	}
	fmt.Printf("\n%d chats, %d unread\n", len(resp.Chats), resp.TotalUnread)
}

func (c *ctl) open(chatID int64) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.OpenChat(ctx, chatID)
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		printMessage(m)
	}
}

func (c *ctl) send(chatID int64, text string) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.SendText(ctx, &api.SendTextRequest{ChatID: chatID, Text: text})
	check(err)
	c.printSent(resp)
}

func (c *ctl) sendFile(chatID int64, path, caption string) {
	abs, err := filepath.Abs(path)
	check(err)
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.SendFile(ctx, &api.SendFileRequest{ChatID: chatID, Path: abs, Caption: caption})
	check(err)
	c.printSent(resp)
}

func (c *ctl) startChat(userID int64, text string) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.StartChat(ctx, userID, text)
	check(err)
	c.printSent(resp)
}

func (c *ctl) printSent(resp *api.SendResponse) {
	if c.json {
		outputJSON(resp)
		return
	}
	if resp.NewChat {
		fmt.Printf("Sent message %d, new chat %d\n", resp.MessageID, resp.ChatID)
	} else {
		fmt.Printf("Sent message %d to chat %d\n", resp.MessageID, resp.ChatID)
	}
	if resp.SyncError != "" {
		fmt.Fprintf(os.Stderr, "warning: refresh after send failed: %s\n", resp.SyncError)
	}
}

func (c *ctl) search(phone string) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.SearchUsers(ctx, phone)
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	if len(resp.Users) == 0 {
		fmt.Println("No users found.")
		return
	}
	for _, u := range resp.Users {
		online := ""
		if u.IsOnline {
			online = " (online)"
		}
		fmt.Printf("%6d  %-16s %s%s\n", u.ID, u.Phone, u.FullName, online)
	}
}

func (c *ctl) outbox(status string, limit int) {
	ctx, cancel := callContext()
	defer cancel()
	resp, err := c.client.Outbox(ctx, status, limit)
	check(err)
	if c.json {
		outputJSON(resp)
		return
	}
	if len(resp.Entries) == 0 {
		fmt.Println("Outbox is empty.")
		return
	}
	for _, e := range resp.Entries {
		target := fmt.Sprintf("chat %d", e.ChatID)
		if e.ChatID == 0 {
			target = fmt.Sprintf("user %d", e.RecipientID)
		}
		fmt.Printf("%s  %-9s %-5s %-10s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Status, e.Type, target, truncate(e.Content, 40))
		if e.Error != "" {
			fmt.Printf("    error: %s\n", e.Error)
		}
	}
}

func (c *ctl) watch(namespace string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err := c.client.Watch(ctx, namespace, func(env *api.EventEnvelope) error {
		if c.json {
			outputJSON(env)
			return nil
		}
		at := time.UnixMilli(env.OccurredAtUnixMs).Format(time.TimeOnly)
		fmt.Printf("%s  %-26s %s\n", at, env.Kind, env.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}

func printIssued(resp *api.RequestCodeResponse) {
	fmt.Println(resp.Message)
	if resp.ExpiresInSec > 0 {
		fmt.Printf("Code expires in %s\n", time.Duration(resp.ExpiresInSec)*time.Second)
	}
	if resp.DevCode != "" {
		fmt.Printf("Development code: %s\n", resp.DevCode)
	}
}

func printMessage(m model.Message) {
	who := m.SenderName
	if m.IsMine {
		who = "me"
	}
	at := "--:--"
	if !m.CreatedAt.IsZero() {
		at = m.CreatedAt.Local().Format("15:04")
	}
	body := m.Content
	if m.FileURL != nil {
		body = fmt.Sprintf("[%s] %s %s", m.Type, m.Content, *m.FileURL)
	}
	pending := ""
	if m.Pending {
		pending = " (sending)"
	}
	fmt.Printf("%s  %-16s %s%s\n", at, truncate(who, 16), body, pending)
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: bizchatctl %s\n", usage)
		os.Exit(1)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fatalf("invalid id %q", s)
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func check(err error) {
	if err == nil {
		return
	}
	if grpcstatus.Code(err) == codes.Unavailable {
		// No lock file means no daemon owns the session.
		if _, lerr := lock.Inspect(session.LockPath(sessionName)); lerr != nil {
			fatalf("daemon for session %q is not running; start it with: bizchatd --session %s", sessionName, sessionName)
		}
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
