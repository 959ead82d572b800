// ABOUTME: Terminal client for campus-chat
// ABOUTME: Directory listing and interactive conversations over REST plus the live channel

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/campuslink/campus-chat/internal/api"
	"github.com/campuslink/campus-chat/internal/auth"
	"github.com/campuslink/campus-chat/internal/directory"
	"github.com/campuslink/campus-chat/internal/live"
	"github.com/campuslink/campus-chat/internal/model"
	"github.com/campuslink/campus-chat/internal/pipeline"
)

const defaultServer = "http://127.0.0.1:8480"

func usage() {
	fmt.Println("Usage: chatctl [--server URL] [--token TOKEN] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  conversations                        List your conversations")
	fmt.Println("  chat [--open ID|--user ID|--event ID] Open an interactive conversation")
	fmt.Println()
	fmt.Println("The token may also be supplied via CAMPUS_CHAT_TOKEN.")
}

type options struct {
	server string
	token  string

	openID   string
	targetID string
	eventID  string

	command string
}

func parseArgs(args []string) (*options, error) {
	opts := &options{
		server: defaultServer,
		token:  os.Getenv("CAMPUS_CHAT_TOKEN"),
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--server" || arg == "--token" || arg == "--open" || arg == "--user" || arg == "--event":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			i++
			switch arg {
			case "--server":
				opts.server = strings.TrimRight(args[i], "/")
			case "--token":
				opts.token = args[i]
			case "--open":
				opts.openID = args[i]
			case "--user":
				opts.targetID = args[i]
			case "--event":
				opts.eventID = args[i]
			}
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unknown flag: %s", arg)
		case opts.command == "":
			opts.command = arg
		default:
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if opts.command == "" {
		return nil, fmt.Errorf("a command is required")
	}
	if opts.token == "" {
		return nil, fmt.Errorf("a session token is required (--token or CAMPUS_CHAT_TOKEN)")
	}
	return opts, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch opts.command {
	case "conversations":
		err = runConversations(ctx, opts)
	case "chat":
		err = runChat(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", opts.command)
		os.Exit(1)
	}

	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// viewer recovers the session identity from the token. The server verifies
// the signature on every call; locally we only need the display fields.
func viewer(opts *options) (*model.User, error) {
	claims, err := auth.ParseUnverified(opts.token)
	if err != nil {
		return nil, fmt.Errorf("reading session token: %w", err)
	}
	return claims.User(), nil
}

func runConversations(ctx context.Context, opts *options) error {
	user, err := viewer(opts)
	if err != nil {
		return err
	}

	client := api.NewClient(opts.server, opts.token)
	dir := directory.New(client, *user, quietLogger())
	if err := dir.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	convs := dir.Conversations()
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)
	for i := range convs {
		id := dir.Identity(&convs[i])
		cyan.Printf("[%s] ", id.AvatarInitial)
		fmt.Print(id.DisplayName)
		if id.Subtitle != "" {
			gray.Printf("  %s", id.Subtitle)
		}
		gray.Printf("  (%s)", convs[i].ID)
		fmt.Println()
	}
	return nil
}

func runChat(ctx context.Context, opts *options) error {
	user, err := viewer(opts)
	if err != nil {
		return err
	}

	logger := quietLogger()
	client := api.NewClient(opts.server, opts.token)

	var dirOpts []directory.Option
	if opts.openID != "" {
		dirOpts = append(dirOpts, directory.WithDeepLink(opts.openID))
	}
	dir := directory.New(client, *user, logger, dirOpts...)
	if err := dir.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	switch {
	case opts.targetID != "":
		conv, err := dir.ResolveOrCreateDirect(ctx, opts.targetID)
		if err != nil {
			return fmt.Errorf("opening direct conversation: %w", err)
		}
		if err := dir.Select(conv.ID); err != nil {
			return err
		}
	case opts.eventID != "":
		conv, err := dir.ResolveOrCreateGroup(ctx, opts.eventID)
		if err != nil {
			return fmt.Errorf("opening event discussion: %w", err)
		}
		if err := dir.Select(conv.ID); err != nil {
			return err
		}
	}

	conv, ok := dir.Selected()
	if !ok {
		return fmt.Errorf("no conversation selected (use --open, --user or --event)")
	}

	mgr := live.NewManager(wsEndpoint(opts), logger)
	if err := mgr.Connect(ctx, user); err != nil {
		return fmt.Errorf("connecting live channel: %w", err)
	}
	defer mgr.Disconnect()

	yellow := color.New(color.FgYellow)
	pipe := pipeline.New(client, mgr, *user, logger,
		pipeline.WithBackgroundNotify(func(conversationID string) {
			dir.MarkUnread(conversationID)
			yellow.Printf("● new activity in %s\n", conversationID)
		}),
		pipeline.WithReceiveNotify(printMessage),
	)
	pipe.Attach(ctx, mgr.Events())

	if err := pipe.Select(ctx, conv.ID); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	id := dir.Identity(conv)
	header := color.New(color.FgCyan, color.Bold)
	header.Printf("[%s] %s", id.AvatarInitial, id.DisplayName)
	if id.Subtitle != "" {
		color.New(color.FgHiBlack).Printf("  %s", id.Subtitle)
	}
	fmt.Println()

	for _, msg := range pipe.History() {
		printMessage(msg)
	}

	return inputLoop(ctx, pipe)
}

// inputLoop reads lines from stdin until EOF or cancellation. Plain lines
// send; !retry re-sends failed messages as fresh attempts.
func inputLoop(ctx context.Context, pipe *pipeline.Pipeline) error {
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "!quit":
				return nil
			case "!retry":
				failed := pipe.Failed()
				if len(failed) == 0 {
					fmt.Println("nothing to retry")
					continue
				}
				for _, msg := range failed {
					if _, err := pipe.Retry(ctx, msg.IdempotencyKey); err != nil {
						red.Printf("✗ retry failed: %v\n", err)
					} else {
						green.Printf("✓ resent: %s\n", msg.Text)
					}
				}
			default:
				if _, err := pipe.Send(ctx, line); err != nil {
					red.Printf("✗ send failed: %v (use !retry)\n", err)
				}
			}
		}
	}
}

func printMessage(msg model.Message) {
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	gray.Printf("%s ", msg.CreatedAt.Local().Format("15:04"))
	cyan.Printf("%s: ", msg.Sender.Name)
	fmt.Print(msg.Text)
	switch msg.State {
	case model.StatePending:
		gray.Print(" (sending)")
	case model.StateFailed:
		color.New(color.FgRed).Print(" (failed)")
	}
	fmt.Println()
}

// wsEndpoint derives the live-channel URL from the REST base URL. The
// token rides along as a query param because websocket upgrades cannot
// carry an Authorization header from every client.
func wsEndpoint(opts *options) string {
	url := opts.server
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws?token=" + opts.token
}

func quietLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("CHATCTL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
