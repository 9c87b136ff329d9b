package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Connect 连接到数据库
func Connect(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 设置连接池
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// Migrations 按顺序执行的建表语句
var Migrations = []string{
	// 比赛表
	`CREATE TABLE IF NOT EXISTS games (
		id BIGINT PRIMARY KEY,
		sport INTEGER NOT NULL,
		group_name VARCHAR(255),
		start_time TIMESTAMPTZ,
		away_rotation INTEGER,
		home_rotation INTEGER,
		away_name VARCHAR(255),
		home_name VARCHAR(255),
		lines_active BOOLEAN NOT NULL DEFAULT FALSE,
		last_source VARCHAR(20) NOT NULL,
		fingerprint VARCHAR(64),
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_start_time ON games(start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_games_sport ON games(sport)`,

	// 盘口线路表
	`CREATE TABLE IF NOT EXISTS market_lines (
		id BIGSERIAL PRIMARY KEY,
		game_id BIGINT NOT NULL REFERENCES games(id) ON DELETE CASCADE,
		line_id VARCHAR(100) NOT NULL,
		market_name VARCHAR(255),
		market_type SMALLINT NOT NULL,
		handicap DOUBLE PRECISION,
		price DOUBLE PRECISION,
		suspended BOOLEAN NOT NULL DEFAULT FALSE,
		is_single BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	// 上游的 line_id 可能为空或重复，按比赛内位置区分
	`ALTER TABLE market_lines DROP CONSTRAINT IF EXISTS market_lines_game_id_line_id_key`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_market_lines_game_position ON market_lines(game_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_market_lines_game_id ON market_lines(game_id)`,
	`CREATE INDEX IF NOT EXISTS idx_market_lines_suspended ON market_lines(suspended)`,
}

// Migrate 运行数据库迁移
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, migration := range Migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
