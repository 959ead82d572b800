// ABOUTME: Entry point for the campus-chat server daemon
// ABOUTME: Serves the conversation REST surface and the live websocket hub

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/campuslink/campus-chat/internal/auth"
	"github.com/campuslink/campus-chat/internal/config"
	"github.com/campuslink/campus-chat/internal/dedupe"
	"github.com/campuslink/campus-chat/internal/hub"
	"github.com/campuslink/campus-chat/internal/model"
	"github.com/campuslink/campus-chat/internal/server"
	"github.com/campuslink/campus-chat/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ __ _ _ __ ___  _ __  _   _ ___        ___| |__   __ _| |_
 / __/ _' | '_ ' _ \| '_ \| | | / __|_____ / __| '_ \ / _' | __|
| (_| (_| | | | | | | |_) | |_| \__ \_____| (__| | | | (_| | |_
 \___\__,_|_| |_| |_| .__/ \__,_|___/      \___|_| |_|\__,_|\__|
                    |_|
`

// getConfigPath returns the path to the server config file.
// Priority: CAMPUS_CHAT_CONFIG env var > XDG_CONFIG_HOME/campus-chat/server.yaml > ~/.config/campus-chat/server.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CAMPUS_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "server.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "campus-chat", "server.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: campus-chatd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                         Start the chat server")
		fmt.Println("  init                          Write a starter config file")
		fmt.Println("  token --user ID --name NAME   Mint a session token for a user")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if cfg.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Redis:    ")
		cyan.Print(cfg.Redis.Addr)
		gray.Printf(" (%s)\n", cfg.Redis.Channel)
	}
	fmt.Println()

	logger.Info("starting campus-chatd",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	cache := dedupe.New(cfg.Chat.DedupeTTL, cfg.Chat.DedupeMaxEntries)
	defer cache.Close()

	var hubOpts []hub.Option
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		hubOpts = append(hubOpts, hub.WithRedis(rdb, cfg.Redis.Channel))
	}

	h := hub.NewHub(st, cache, logger, hubOpts...)
	go h.Run(ctx)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	srv := server.New(st, h, cache, verifier, cfg.Chat.HistoryLimit, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.HTTPAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

const starterConfig = `server:
  http_addr: "127.0.0.1:8480"

database:
  path: "%s"

auth:
  jwt_secret: "${CAMPUS_CHAT_JWT_SECRET}"

redis:
  enabled: false
  addr: "127.0.0.1:6379"
  channel: "campus-chat:events"

chat:
  dedupe_ttl: "5m"
  dedupe_max_entries: 10000
  history_limit: 200

logging:
  level: "info"
  format: "text"
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	dbPath := filepath.Join(dataDir, "campus-chat", "chat.db")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(starterConfig, dbPath)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Wrote %s\n", configPath)
	fmt.Println()
	fmt.Println("Set CAMPUS_CHAT_JWT_SECRET and run: campus-chatd serve")
	return nil
}

// runToken mints a session token for a user and upserts the user record so
// the server recognizes them. This stands in for the identity provider in
// local and development setups.
func runToken(ctx context.Context) error {
	var userID, name, club string
	role := string(model.RoleParticipant)
	ttl := 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "--name" || arg == "--role" || arg == "--club" || arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value", arg)
			}
			i++
			switch arg {
			case "--user":
				userID = args[i]
			case "--name":
				name = args[i]
			case "--role":
				role = args[i]
			case "--club":
				club = args[i]
			case "--ttl":
				d, err := time.ParseDuration(args[i])
				if err != nil {
					return fmt.Errorf("parsing --ttl %q: %w", args[i], err)
				}
				ttl = d
			}
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	switch model.Role(role) {
	case model.RoleParticipant, model.RoleOrganizer, model.RoleAdmin:
	default:
		return fmt.Errorf("invalid role %q (participant, organizer or admin)", role)
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	user := &model.User{
		ID:          userID,
		Name:        name,
		Role:        model.Role(role),
		ManagedClub: club,
	}
	if err := st.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(user, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	green.Print("✓ ")
	fmt.Printf("Token for %s (%s)", name, role)
	if club != "" {
		gray.Printf(" rep of %s", club)
	}
	fmt.Println()
	fmt.Println(token)
	return nil
}
