package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketchat/config"
	"marketchat/internal/auth"
	"marketchat/internal/syncengine"
	"marketchat/internal/tui"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	serverFlag := flag.String("server", envOr("MARKETCHAT_URL", "http://localhost:8080"), "API base URL")
	tokenFlag := flag.String("token", os.Getenv("MARKETCHAT_TOKEN"), "access token (or MARKETCHAT_TOKEN)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	ttlFlag := flag.Duration("ttl", 24*time.Hour, "lifetime of tokens minted by the token command")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "token" {
		cmdToken(args[1:], *ttlFlag)
		return
	}
	if *tokenFlag == "" {
		fail(fmt.Errorf("no token: pass -token or set MARKETCHAT_TOKEN"))
	}
	base := strings.TrimRight(*serverFlag, "/")
	api := syncengine.NewHTTPClient(base, *tokenFlag, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "list":
		cmdList(ctx, api, *jsonFlag)
	case "start":
		cmdStart(ctx, api, args[1:], *jsonFlag)
	case "history":
		cmdHistory(ctx, api, args[1:], *jsonFlag)
	case "send":
		cmdSend(ctx, api, args[1:], *jsonFlag)
	case "watch":
		cmdWatch(ctx, base, *tokenFlag)
	case "tui":
		cmdTUI(ctx, base, *tokenFlag, api)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [-server <url>] [-token <jwt>] [-json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  token <user-id>                 Mint a token with the server's JWT_SECRET")
	fmt.Fprintln(os.Stderr, "  list                            List conversations")
	fmt.Fprintln(os.Stderr, "  start <user-id> [listing-id]    Find or create a conversation")
	fmt.Fprintln(os.Stderr, "  history <conversation-id>       Show recent messages")
	fmt.Fprintln(os.Stderr, "  send <conversation-id> <text>   Send a text message")
	fmt.Fprintln(os.Stderr, "  watch                           Print live events")
	fmt.Fprintln(os.Stderr, "  tui                             Open the terminal inbox")
}

func cmdToken(args []string, ttl time.Duration) {
	if len(args) < 1 {
		fail(fmt.Errorf("usage: chatctl token <user-id>"))
	}
	userID, err := uuid.Parse(args[0])
	if err != nil {
		fail(fmt.Errorf("user id: %w", err))
	}
	cfg := config.LoadConfig()
	token, _, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, nil).Issue(userID, ttl)
	if err != nil {
		fail(err)
	}
	fmt.Println(token)
}

func cmdList(ctx context.Context, api *syncengine.HTTPClient, jsonOut bool) {
	items, err := api.ListConversations(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(items)
		return
	}
	for _, c := range items {
		fmt.Printf("%s  %-20s  unread:%-3d  %s\n", c.ID, c.OtherUser.DisplayName, c.UnreadCount, c.LastMessage)
	}
}

func cmdStart(ctx context.Context, api *syncengine.HTTPClient, args []string, jsonOut bool) {
	if len(args) < 1 {
		fail(fmt.Errorf("usage: chatctl start <user-id> [listing-id]"))
	}
	var listing string
	if len(args) > 1 {
		listing = args[1]
	}
	c, err := api.FindOrCreate(ctx, args[0], listing)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(c)
		return
	}
	fmt.Println(c.ID)
}

func cmdHistory(ctx context.Context, api *syncengine.HTTPClient, args []string, jsonOut bool) {
	if len(args) < 1 {
		fail(fmt.Errorf("usage: chatctl history <conversation-id>"))
	}
	msgs, err := api.GetMessages(ctx, args[0], 50, 0)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		text := m.Text
		if m.IsDeleted {
			text = "(deleted)"
		}
		fmt.Printf("%s  %s  %s\n", m.CreatedAt.Local().Format("01/02 15:04"), m.SenderID, text)
	}
}

func cmdSend(ctx context.Context, api *syncengine.HTTPClient, args []string, jsonOut bool) {
	if len(args) < 2 {
		fail(fmt.Errorf("usage: chatctl send <conversation-id> <text>"))
	}
	req := syncengine.TextMessage(strings.Join(args[1:], " "))
	req.ConversationID = args[0]
	req.ClientMessageID = uuid.NewString()
	msg, err := api.SendMessage(ctx, req)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Println(msg.ID)
}

func cmdWatch(ctx context.Context, base, token string) {
	transport := syncengine.NewWSTransport(wsURL(base), token, nil)
	done := make(chan error, 1)
	go func() { done <- transport.Run(ctx) }()

	enc := json.NewEncoder(os.Stdout)
	for ev := range transport.Events() {
		switch ev.Kind {
		case syncengine.TransportConnected:
			fmt.Fprintln(os.Stderr, "connected")
		case syncengine.TransportDisconnected:
			fmt.Fprintln(os.Stderr, "disconnected, retrying")
		case syncengine.TransportFrame:
			_ = enc.Encode(ev.Frame)
		}
	}
	if err := <-done; err != nil {
		fail(err)
	}
}

func cmdTUI(ctx context.Context, base, token string, api *syncengine.HTTPClient) {
	self, err := auth.Subject(token)
	if err != nil {
		fail(err)
	}
	// The terminal belongs to the UI, so the client stays quiet.
	logger := zap.NewNop()
	transport := syncengine.NewWSTransport(wsURL(base), token, logger)
	engine := syncengine.New(api, transport, nil, syncengine.Config{}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = transport.Run(ctx) }()
	go func() { _ = engine.Run(ctx) }()

	if err := tui.NewApp(engine, self.String(), self.String()).Run(); err != nil {
		fail(err)
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v1/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v1/ws"
	}
	return base + "/v1/ws"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
