package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/bazaar-backend/pkg/config"
	"github.com/angelmondragon/bazaar-backend/pkg/db"
	"github.com/angelmondragon/bazaar-backend/pkg/logger"
	"github.com/angelmondragon/bazaar-backend/pkg/migrate"
)

// applyCommands change the schema and report each migration they touch.
var applyCommands = map[string]bool{
	"up":   true,
	"down": true,
	"redo": true,
}

func main() {
	logg := logger.New(logger.Options{ServiceName: "migrate"})
	_ = godotenv.Load()

	cmd := flag.String("cmd", "up", "migration command: up|down|redo|status|version|create|validate")
	dir := flag.String("dir", migrate.DefaultDir, "goose migrations directory")
	name := flag.String("name", "", "migration name (for create)")
	version := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	// create and validate only touch the filesystem
	switch *cmd {
	case "create":
		if *name == "" {
			exitf("missing -name for create")
		}
		path, err := migrate.CreateSQLMigration(*dir, *name)
		if err != nil {
			exitf("failed to create migration: %v", err)
		}
		fmt.Println("created migration:", path)
		return
	case "validate":
		if err := migrate.ValidateDir(*dir); err != nil {
			exitf("migration validation failed: %v", err)
		}
		fmt.Println("migration validation passed")
		return
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)
	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmd,
		"dir": *dir,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	sqlDB, err := dbClient.DB().DB()
	requireResource(ctx, logg, "sql database", err)

	switch {
	case applyCommands[*cmd]:
		results, err := migrate.Run(ctx, sqlDB, *dir, *cmd)
		printResults(results)
		if err != nil {
			exitf("goose %s failed: %v", *cmd, err)
		}
	case *cmd == "version":
		if *version == "" {
			exitf("missing -version for version command")
		}
		results, err := migrate.MigrateToVersion(ctx, sqlDB, *dir, *version)
		printResults(results)
		if err != nil {
			exitf("goose version migrate failed: %v", err)
		}
	case *cmd == "status":
		statuses, err := migrate.Status(ctx, sqlDB, *dir)
		if err != nil {
			exitf("goose status failed: %v", err)
		}
		for _, st := range statuses {
			applied := "pending"
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-14d %-10s %s\n", st.Source.Version, applied, st.Source.Path)
		}
	default:
		exitf("unknown -cmd value: %s", *cmd)
	}
	logg.Info(ctx, "migrate finished")
}

func printResults(results []*goose.MigrationResult) {
	for _, res := range results {
		fmt.Printf("%-4s %-14d %6dms %s\n", res.Direction, res.Source.Version, res.Duration.Milliseconds(), res.Source.Path)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
