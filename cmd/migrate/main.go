package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"marketchat/config"
	"marketchat/internal/repository"
	"marketchat/pkg/database"
	"marketchat/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

const usage = `
Marketchat - Database CLI Tool

Usage:
  migrate [flags] [command]

Commands:
  up          Apply all pending migrations
  down        Roll back every migration (DANGEROUS)
  status      Show connection status and schema version
  seed        Create demo sellers, buyers and conversations

Flags:
  -sellers int    Sellers to create when seeding (default 2)
  -buyers int     Buyers per seller when seeding (default 3)
  -messages int   Messages per conversation when seeding (default 4)

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate -sellers 5 seed
  go run ./cmd/migrate status
`

func main() {
	defaults := database.DefaultSeedConfig()
	sellers := flag.Int("sellers", defaults.Sellers, "Sellers to create when seeding")
	buyers := flag.Int("buyers", defaults.BuyersPerSeller, "Buyers per seller when seeding")
	messages := flag.Int("messages", defaults.Messages, "Messages per conversation when seeding")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer pool.Close()

	switch command := flag.Arg(0); command {
	case "up":
		runMigrationsUp(pool)
	case "down":
		runMigrationsDown(pool)
	case "status":
		showStatus(ctx, pool)
	case "seed":
		runSeed(ctx, pool, cfg, database.SeedConfig{Sellers: *sellers, BuyersPerSeller: *buyers, Messages: *messages})
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(pool *pgxpool.Pool) {
	log.Println("🚀 Running migrations UP...")

	result, err := database.MigrateUp(pool)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	if !result.Changed {
		log.Printf("✅ Already at version %d", result.Version)
		return
	}
	log.Printf("✅ Migrated to version %d", result.Version)
}

func runMigrationsDown(pool *pgxpool.Pool) {
	log.Println("⬇️  Rolling back migrations...")

	if err := database.MigrateDown(pool); err != nil {
		log.Fatalf("❌ Rollback failed: %v", err)
	}

	log.Println("✅ Rollback completed successfully!")
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) {
	log.Println("🔍 Checking database status...")

	if err := database.HealthCheck(ctx, pool); err != nil {
		log.Fatalf("❌ Health check failed: %v", err)
	}
	log.Println("✅ Database connection: OK")

	version, dirty, err := database.MigrationVersion(pool)
	if err != nil {
		log.Fatalf("❌ Reading schema version failed: %v", err)
	}
	switch {
	case version == 0:
		log.Println("⚠️  No migrations applied")
	case dirty:
		log.Printf("⚠️  Schema version %d is dirty; fix it by hand before migrating again", version)
	default:
		log.Printf("✅ Schema version: %d", version)
	}
}

func runSeed(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, seed database.SeedConfig) {
	log.Println("🌱 Seeding database...")

	l := logger.New(cfg.LogMode)
	defer l.Sync()

	result, err := database.Seed(ctx, database.SeedTargets{
		Conversations: repository.NewConversationRepository(pool),
		Messages:      repository.NewMessageRepository(pool),
		Users:         repository.NewUserRepository(pool),
	}, seed, l.Logger)
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("📊 Seed Summary:")
	log.Printf("   - Profiles: %d", len(result.Profiles))
	log.Printf("   - Conversations: %d", len(result.Conversations))
	log.Printf("   - Messages: %d", result.Messages)
	log.Println("✅ Seeding completed!")
}
