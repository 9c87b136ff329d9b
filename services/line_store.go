package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"lines-service/database"
	"lines-service/pkg/models"
)

// ErrGameNotFound 比赛不存在
var ErrGameNotFound = errors.New("game not found")

// LineStore 线路的 Postgres 存储
type LineStore struct {
	db *sql.DB
}

// NewLineStore 创建线路存储
func NewLineStore(db *sql.DB) *LineStore {
	return &LineStore{db: db}
}

// SaveGames 在一个事务内 upsert 比赛并整体替换其盘口
func (s *LineStore) SaveGames(ctx context.Context, source string, games []models.GameSnapshot) error {
	if len(games) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsertGame := `
		INSERT INTO games (id, sport, group_name, start_time, away_rotation, home_rotation,
			away_name, home_name, lines_active, last_source, fingerprint, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			sport = EXCLUDED.sport,
			group_name = EXCLUDED.group_name,
			start_time = EXCLUDED.start_time,
			away_rotation = EXCLUDED.away_rotation,
			home_rotation = EXCLUDED.home_rotation,
			away_name = EXCLUDED.away_name,
			home_name = EXCLUDED.home_name,
			lines_active = EXCLUDED.lines_active,
			last_source = EXCLUDED.last_source,
			fingerprint = EXCLUDED.fingerprint,
			updated_at = EXCLUDED.updated_at
	`
	insertLine := `
		INSERT INTO market_lines (game_id, line_id, market_name, market_type, handicap, price,
			suspended, is_single, position, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (game_id, position) DO UPDATE SET
			line_id = EXCLUDED.line_id,
			market_name = EXCLUDED.market_name,
			market_type = EXCLUDED.market_type,
			handicap = EXCLUDED.handicap,
			price = EXCLUDED.price,
			suspended = EXCLUDED.suspended,
			is_single = EXCLUDED.is_single,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	for _, g := range games {
		var startTime interface{}
		if !g.StartTime.IsZero() {
			startTime = g.StartTime
		}

		if _, err := tx.ExecContext(ctx, upsertGame,
			g.ID, g.Sport, nullString(g.Group), startTime, g.AwayRotation, g.HomeRotation,
			nullString(g.AwayName), nullString(g.HomeName), g.LinesActive, source, g.Fingerprint(), now,
		); err != nil {
			return fmt.Errorf("failed to upsert game %d: %w", g.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM market_lines WHERE game_id = $1`, g.ID); err != nil {
			return fmt.Errorf("failed to clear market lines for game %d: %w", g.ID, err)
		}

		for i, m := range g.Markets {
			if _, err := tx.ExecContext(ctx, insertLine,
				g.ID, m.LineID, nullString(m.MarketName), int(m.Kind), m.Handicap, m.Price,
				m.Suspended, m.IsSingle, i, now,
			); err != nil {
				return fmt.Errorf("failed to save line %s for game %d: %w", m.LineID, g.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SuspendAll 暂停所有盘口，返回受影响的行数
func (s *LineStore) SuspendAll(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE market_lines SET suspended = TRUE, updated_at = $1 WHERE suspended = FALSE
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to suspend market lines: %w", err)
	}
	return result.RowsAffected()
}

// GetGames 按开赛时间分页查询比赛及其盘口
func (s *LineStore) GetGames(ctx context.Context, limit, offset int) ([]models.GameSnapshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sport, group_name, start_time, away_rotation, home_rotation,
			away_name, home_name, lines_active, last_source, fingerprint, updated_at
		FROM games
		ORDER BY start_time NULLS LAST, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query games: %w", err)
	}
	defer rows.Close()

	games := []models.GameSnapshot{}
	index := make(map[int64]int)
	ids := make([]int64, 0, limit)
	for rows.Next() {
		row, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		index[row.ID] = len(games)
		ids = append(ids, row.ID)
		games = append(games, gameFromRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return games, nil
	}

	lines, err := s.marketLines(ctx, `WHERE game_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		i := index[line.GameID]
		games[i].Markets = append(games[i].Markets, marketFromRow(line))
	}
	return games, nil
}

// GetGame 查询单场比赛
func (s *LineStore) GetGame(ctx context.Context, id int64) (*models.GameSnapshot, error) {
	row, err := scanGame(s.db.QueryRowContext(ctx, `
		SELECT id, sport, group_name, start_time, away_rotation, home_rotation,
			away_name, home_name, lines_active, last_source, fingerprint, updated_at
		FROM games WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, err
	}

	game := gameFromRow(row)
	lines, err := s.marketLines(ctx, `WHERE game_id = $1`, id)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		game.Markets = append(game.Markets, marketFromRow(line))
	}
	return &game, nil
}

// CountGames 比赛总数
func (s *LineStore) CountGames(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM games`).Scan(&count)
	return count, err
}

func (s *LineStore) marketLines(ctx context.Context, where string, arg interface{}) ([]database.MarketLineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT game_id, line_id, market_name, market_type, handicap, price, suspended, is_single, position
		FROM market_lines `+where+`
		ORDER BY game_id, position
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query market lines: %w", err)
	}
	defer rows.Close()

	var lines []database.MarketLineRow
	for rows.Next() {
		var l database.MarketLineRow
		if err := rows.Scan(&l.GameID, &l.LineID, &l.MarketName, &l.MarketType,
			&l.Handicap, &l.Price, &l.Suspended, &l.IsSingle, &l.Position); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGame(row rowScanner) (database.GameRow, error) {
	var g database.GameRow
	err := row.Scan(&g.ID, &g.Sport, &g.GroupName, &g.StartTime, &g.AwayRotation, &g.HomeRotation,
		&g.AwayName, &g.HomeName, &g.LinesActive, &g.LastSource, &g.Fingerprint, &g.UpdatedAt)
	return g, err
}

func gameFromRow(row database.GameRow) models.GameSnapshot {
	game := models.GameSnapshot{
		ID:           row.ID,
		Sport:        row.Sport,
		Group:        row.GroupName.String,
		AwayRotation: row.AwayRotation,
		HomeRotation: row.HomeRotation,
		AwayName:     row.AwayName.String,
		HomeName:     row.HomeName.String,
		LinesActive:  row.LinesActive,
		Markets:      []models.MarketLine{},
	}
	if row.StartTime.Valid {
		game.StartTime = row.StartTime.Time.UTC()
	}
	return game
}

func marketFromRow(row database.MarketLineRow) models.MarketLine {
	m := models.MarketLine{
		LineID:     row.LineID,
		Suspended:  row.Suspended,
		MarketName: row.MarketName.String,
		Kind:       models.MarketKind(row.MarketType),
		IsSingle:   row.IsSingle,
	}
	if row.Handicap.Valid {
		v := row.Handicap.Float64
		m.Handicap = &v
	}
	if row.Price.Valid {
		v := row.Price.Float64
		m.Price = &v
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
