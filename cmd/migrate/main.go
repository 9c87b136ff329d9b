package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"lines-service/config"
	"lines-service/database"
	"lines-service/logger"
)

func main() {
	cfg := config.Load()

	l, err := logger.New(cfg.AppName+"-migrate", cfg.Environment)
	if err != nil {
		panic(err)
	}
	logger.Enable(l)
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Error(nil, "DATABASE_URL environment variable is not set", nil)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(err, "Failed to connect to database", nil)
		os.Exit(1)
	}
	defer db.Close()

	logger.Println("Connected to database successfully")

	if err := database.Migrate(ctx, db); err != nil {
		logger.Error(err, "Migration failed", nil)
		os.Exit(1)
	}

	logger.Info("All migrations completed successfully!", nil, zap.Int("statements", len(database.Migrations)))
}
