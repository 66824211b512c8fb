// Command migrate manages the Callshield schema via goose.
//
// Usage:
//
//	go run ./cmd/migrate up             # Apply all pending migrations
//	go run ./cmd/migrate status         # Show migration status
//	go run ./cmd/migrate down           # Roll back the last migration
//	go run ./cmd/migrate version        # Show current schema version
//
// Reads DATABASE_URL from the environment or a local .env file, the same
// way the server does.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-dir migrations] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <v>, down-to <v>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	command := flag.Arg(0)
	if err := goose.RunContext(context.Background(), command, db, *dir, flag.Args()[1:]...); err != nil {
		log.Fatalf("migrate %s: %v", command, err)
	}
}
