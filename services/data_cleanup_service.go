package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lines-service/logger"
)

// DataCleanupService 清理已开赛过久的比赛，market_lines 级联删除
type DataCleanupService struct {
	db     *sql.DB
	config CleanupConfig
	now    func() time.Time
}

// CleanupConfig 清理配置
type CleanupConfig struct {
	RetainDays int           // 开赛后保留天数，<= 0 表示不清理
	Interval   time.Duration // 定时清理间隔
}

// CleanupResult 清理结果
type CleanupResult struct {
	TableName    string
	DeletedRows  int64
	RetainedDays int
	Error        error
}

// NewDataCleanupService 创建数据清理服务
func NewDataCleanupService(db *sql.DB, config CleanupConfig) *DataCleanupService {
	if config.Interval <= 0 {
		config.Interval = 6 * time.Hour
	}
	return &DataCleanupService{
		db:     db,
		config: config,
		now:    time.Now,
	}
}

// Cutoff 早于该时间开赛的比赛会被清理
func (s *DataCleanupService) Cutoff() time.Time {
	return s.now().AddDate(0, 0, -s.config.RetainDays)
}

// ExecuteCleanup 执行一次清理
func (s *DataCleanupService) ExecuteCleanup(ctx context.Context) CleanupResult {
	result := CleanupResult{
		TableName:    "games",
		RetainedDays: s.config.RetainDays,
	}
	if s.config.RetainDays <= 0 {
		return result
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE start_time < $1`, s.Cutoff())
	if err != nil {
		result.Error = fmt.Errorf("failed to delete from games: %w", err)
		return result
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		result.Error = fmt.Errorf("failed to get rows affected: %w", err)
		return result
	}
	result.DeletedRows = deleted
	return result
}

// GetTableRowCounts 获取各表行数
func (s *DataCleanupService) GetTableRowCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 2)
	for _, table := range []string{"games", "market_lines"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

// Start 按间隔定时清理，直到 ctx 取消
func (s *DataCleanupService) Start(ctx context.Context) {
	if s.config.RetainDays <= 0 {
		logger.Println("Data cleanup disabled")
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.ExecuteCleanup(ctx)
			if result.Error != nil {
				logger.Error(result.Error, "Data cleanup failed", nil)
				continue
			}
			logger.Info("Data cleanup completed", nil,
				zap.String("table", result.TableName),
				zap.Int64("deleted", result.DeletedRows),
				zap.Int("retain_days", result.RetainedDays))
		}
	}
}
