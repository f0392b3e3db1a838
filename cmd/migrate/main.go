package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"HedgeVault/internal/config"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/persistence"
	"HedgeVault/migrations"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  VAULT_CONFIG          - YAML config to read the DSN from (default: config.yaml)")
		fmt.Println("  VAULT_POSTGRES_DSN    - Postgres connection string, overrides the config")
		fmt.Println("  VAULT_MIGRATIONS_DIR  - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	path := os.Getenv("VAULT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var files fs.FS = migrations.FS
	if dir := os.Getenv("VAULT_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
