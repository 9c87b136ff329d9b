package database

import (
	"database/sql"
	"time"
)

// GameRow games 表的一行
type GameRow struct {
	ID           int64          `db:"id"`
	Sport        int            `db:"sport"`
	GroupName    sql.NullString `db:"group_name"`
	StartTime    sql.NullTime   `db:"start_time"`
	AwayRotation int            `db:"away_rotation"`
	HomeRotation int            `db:"home_rotation"`
	AwayName     sql.NullString `db:"away_name"`
	HomeName     sql.NullString `db:"home_name"`
	LinesActive  bool           `db:"lines_active"`
	LastSource   string         `db:"last_source"`
	Fingerprint  sql.NullString `db:"fingerprint"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// MarketLineRow market_lines 表的一行
type MarketLineRow struct {
	GameID     int64           `db:"game_id"`
	LineID     string          `db:"line_id"`
	MarketName sql.NullString  `db:"market_name"`
	MarketType int             `db:"market_type"`
	Handicap   sql.NullFloat64 `db:"handicap"`
	Price      sql.NullFloat64 `db:"price"`
	Suspended  bool            `db:"suspended"`
	IsSingle   bool            `db:"is_single"`
	Position   int             `db:"position"`
}
