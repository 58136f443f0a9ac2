package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/session"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fatalf("%v", err)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "sessions" {
		cmdSessions(*jsonFlag)
		return
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fatalf("cannot connect to daemon for session %q: %v", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "send":
		need(args, 3, "syncctl send <conversation> <text>")
		cmdSend(ctx, c, args[1], args[2], *jsonFlag)
	case "retry":
		need(args, 2, "syncctl retry <message-id>")
		cmdRetry(ctx, c, args[1], *jsonFlag)
	case "messages":
		need(args, 2, "syncctl messages <conversation> [before-id] [limit]")
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "read":
		need(args, 2, "syncctl read <conversation>")
		if err := c.MarkRead(ctx, args[1]); err != nil {
			fatalf("%v", err)
		}
	case "queue":
		cmdQueue(ctx, c, *jsonFlag)
	case "drain":
		cmdDrain(ctx, c, *jsonFlag)
	case "search":
		need(args, 2, "syncctl search <query> [conversation]")
		conv := ""
		if len(args) > 2 {
			conv = args[2]
		}
		cmdSearch(ctx, c, args[1], conv, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: syncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show sync status")
	fmt.Fprintln(os.Stderr, "  send <conv> <text>              Send a text message")
	fmt.Fprintln(os.Stderr, "  retry <id>                      Retry a failed message")
	fmt.Fprintln(os.Stderr, "  messages <conv> [before] [n]    List messages, newest first")
	fmt.Fprintln(os.Stderr, "  conversations                   List conversations")
	fmt.Fprintln(os.Stderr, "  read <conv>                     Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  queue                           Show the pending queue")
	fmt.Fprintln(os.Stderr, "  drain                           Drain the pending queue now")
	fmt.Fprintln(os.Stderr, "  search <query> [conv]           Search messages")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream events (e.g. message.)")
	fmt.Fprintln(os.Stderr, "  sessions                        List known sessions")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", a...)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *api.Client, jsonOut bool) {
	r, err := c.GetStatus(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(r)
		return
	}
	fmt.Printf("Session:    %s\n", r.Session)
	fmt.Printf("Transport:  %s\n", r.Transport)
	fmt.Printf("Online:     %v (network %v)\n", r.Online, r.Network)
	fmt.Printf("Queue:      %d\n", r.QueueLength)
	fmt.Printf("Messages:   %d sending, %d sent, %d failed\n", r.Sending, r.Sent, r.Failed)
	fmt.Printf("Deferred:   %v (%d runs)\n", r.DeferredScheduled, r.DeferredRuns)
	if r.LastDrainAt != "" {
		fmt.Printf("Last drain: %s\n", r.LastDrainAt)
	}
	if r.LastAckAt != "" {
		fmt.Printf("Last ack:   %s\n", r.LastAckAt)
	}
	fmt.Printf("Uptime:     %dms\n", r.UptimeMs)
}

func cmdSend(ctx context.Context, c *api.Client, conv, text string, jsonOut bool) {
	m, err := c.SendMessage(ctx, conv, text)
	if err != nil {
		fatalf("%v", err)
	}
	printMessage(m, jsonOut)
}

func cmdRetry(ctx context.Context, c *api.Client, id string, jsonOut bool) {
	m, err := c.RetryMessage(ctx, id)
	if err != nil {
		fatalf("%v", err)
	}
	printMessage(m, jsonOut)
}

func printMessage(m *intsync.MessageView, jsonOut bool) {
	if jsonOut {
		outputJSON(m)
		return
	}
	fmt.Printf("%s  %-7s  %s\n", m.ID, m.Status, m.Text)
}

func cmdMessages(ctx context.Context, c *api.Client, args []string, jsonOut bool) {
	conv, before, limit := args[0], "", 0
	if len(args) > 1 {
		before = args[1]
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fatalf("invalid limit %q", args[2])
		}
		limit = n
	}
	page, err := c.LoadOlderMessages(ctx, conv, before, limit)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(page)
		return
	}
	for _, m := range page.Messages {
		who := m.SenderID
		if m.FromMe {
			who = "me"
		}
		fmt.Printf("%s  %-20s  %-7s  %-10s  %s\n", m.Timestamp.Local().Format(time.DateTime), m.ID, m.Status, who, m.Text)
	}
	if page.HasMore && len(page.Messages) > 0 {
		fmt.Printf("... more before %s\n", page.Messages[len(page.Messages)-1].ID)
	}
}

func cmdConversations(ctx context.Context, c *api.Client, jsonOut bool) {
	convs, err := c.ListConversations(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		preview := ""
		if cv.LastMessage != nil {
			preview = cv.LastMessage.Text
		}
		fmt.Printf("%-20s  %3d unread  %s\n", cv.ID, cv.UnreadCount, preview)
	}
}

func cmdQueue(ctx context.Context, c *api.Client, jsonOut bool) {
	entries, err := c.ListQueue(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Queue is empty.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%4d  %s  %-20s  %s\n", e.QueueID, e.TempID, e.ConversationID, e.Text)
	}
}

func cmdDrain(ctx context.Context, c *api.Client, jsonOut bool) {
	res, err := c.DrainQueue(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(res)
		return
	}
	fmt.Printf("Remaining: %d\n", res.Remaining)
}

func cmdSearch(ctx context.Context, c *api.Client, query, conv string, jsonOut bool) {
	page, err := c.SearchMessages(ctx, query, conv, 0)
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(page)
		return
	}
	for _, r := range page.Results {
		fmt.Printf("%-20s  %-20s  %s\n", r.Message.ConversationID, r.Message.ID, r.Snippet)
	}
}

func cmdWatch(c *api.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.WatchEvents(ctx, prefix)
	if err != nil {
		fatalf("%v", err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			fatalf("%v", err)
		}
		if jsonOut {
			outputJSON(evt)
			continue
		}
		fmt.Printf("%s  %-28s  %s\n", evt.OccurredAt.Local().Format(time.TimeOnly), evt.Kind, evt.Payload)
	}
}

func cmdSessions(jsonOut bool) {
	sessions, err := session.List()
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOut {
		outputJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, s := range sessions {
		running := "stopped"
		if s.Running {
			running = "running"
		}
		fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
