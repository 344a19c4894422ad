package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

const usage = `Usage: photoshare [command] [flags]

Commands:
  serve        run the HTTP API (default)
  create-user  create an account, e.g. the first administrator
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load .env:", err)
		os.Exit(1)
	}

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: false,
		Level:     cfg.LogLevel,
	}))

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(ctx, cfg)
	case "create-user":
		err = createUser(ctx, cfg, args)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		slog.Error("Command failed", "command", cmd, "error", err)
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *Config) error {
	db, err := NewDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init the database: %w", err)
	}
	defer db.Close()

	files, err := NewFileStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init file storage: %w", err)
	}

	cache, err := NewTopPhotosCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init the cache: %w", err)
	}
	if rc, ok := cache.(*RedisCache); ok {
		defer rc.Close()
	}

	hub := NewHub(cfg.CORSOrigins)
	go hub.Run(ctx)

	server := NewAPIServer(cfg, db, files, cache, hub, NewMailer(cfg.SMTP))

	return server.Run(ctx)
}

func createUser(ctx context.Context, cfg *Config, args []string) error {
	fset := flag.NewFlagSet("create-user", flag.ContinueOnError)
	username := fset.String("username", "", "account username")
	email := fset.String("email", "", "account email")
	password := fset.String("password", "", "account password (at least 6 characters)")
	role := fset.String("role", RoleUser, "account role: user or admin")

	if err := fset.Parse(args); err != nil {
		return err
	}

	if *username == "" || *email == "" || len(*password) < 6 {
		fset.Usage()
		return errors.New("username, email and a password of at least 6 characters are required")
	}
	if *role != RoleUser && *role != RoleAdmin {
		return fmt.Errorf("unknown role %q", *role)
	}

	db, err := NewDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init the database: %w", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	id, err := db.CreateUser(ctx, *username, *email, string(hash), *role)
	if err != nil {
		return fmt.Errorf("create user %s: %w", *username, err)
	}

	slog.Info("Created user", "user_id", id, "username", *username, "role", *role)

	return nil
}
