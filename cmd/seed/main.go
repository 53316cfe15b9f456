// Package main implements a one-shot seed command that creates a user directly
// in the chat database. The read API has no sign-up endpoint, so this is how
// accounts are provisioned.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username alice \
//	  --password secret \
//	  --name "Alice"
//
// Environment variables:
//
//	CHAT_DB_DRIVER  sqlite or postgres (default: sqlite)
//	CHAT_DB_DSN     SQLite file path or Postgres DSN (default: ./chat.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tyyrok/chatcore/internal/auth"
	"github.com/tyyrok/chatcore/internal/db"
	"github.com/tyyrok/chatcore/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	// ─── Flags ────────────────────────────────────────────────────────────────

	username := flag.String("username", "", "Username (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "", "Display name, shown as first_name")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("--username is required")
	}
	if strings.Contains(*username, "__") {
		return fmt.Errorf("--username may not contain \"__\"")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   envOrDefault("CHAT_DB_DRIVER", "sqlite"),
		DSN:      envOrDefault("CHAT_DB_DSN", "./chat.db"),
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(database) //nolint:errcheck

	// ─── Hash password ────────────────────────────────────────────────────────

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	// ─── Create user ──────────────────────────────────────────────────────────

	userRepo := repositories.NewUserRepository(database)

	user := &db.User{
		Username:    *username,
		DisplayName: *name,
		Password:    hashed,
		IsActive:    true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a user named %q already exists", *username)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Name:     %s\n", user.DisplayName)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
