package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lines-service/logger"
)

// MessageStatsTracker 按来源统计收到的线路，并定期通过飞书报告
type MessageStatsTracker struct {
	mu           sync.RWMutex
	stats        map[string]int
	totalCount   int
	lifetime     map[string]int
	lastReported time.Time
	notifier     *LarkNotifier
	interval     time.Duration
	firstReport  bool
	now          func() time.Time
}

// StatsSnapshot 统计快照
type StatsSnapshot struct {
	Window       map[string]int `json:"window"`
	WindowTotal  int            `json:"window_total"`
	Lifetime     map[string]int `json:"lifetime"`
	LastReported time.Time      `json:"last_reported"`
}

// NewMessageStatsTracker 创建统计追踪器
func NewMessageStatsTracker(notifier *LarkNotifier, interval time.Duration) *MessageStatsTracker {
	return &MessageStatsTracker{
		stats:        make(map[string]int),
		lifetime:     make(map[string]int),
		lastReported: time.Now(),
		notifier:     notifier,
		interval:     interval,
		firstReport:  true,
		now:          time.Now,
	}
}

// Record 记录来自 source 的 n 条线路
func (t *MessageStatsTracker) Record(source string, n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats[source] += n
	t.lifetime[source] += n
	t.totalCount += n
}

// Snapshot 返回当前统计的副本
func (t *MessageStatsTracker) Snapshot() StatsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return StatsSnapshot{
		Window:       copyCounts(t.stats),
		WindowTotal:  t.totalCount,
		Lifetime:     copyCounts(t.lifetime),
		LastReported: t.lastReported,
	}
}

// CheckAndReport 第一次有数据时立即报告，之后按间隔报告并重置窗口
func (t *MessageStatsTracker) CheckAndReport() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastReported)
	if !t.firstReport && elapsed < t.interval {
		return false
	}
	if t.totalCount == 0 {
		return false
	}

	statsCopy := copyCounts(t.stats)
	total := t.totalCount
	period := "启动至今"
	if !t.firstReport {
		period = fmt.Sprintf("过去 %.0f 分钟", elapsed.Minutes())
	}

	if t.notifier.Enabled() {
		go func() {
			if err := t.notifier.NotifyMessageStats(statsCopy, total, period); err != nil {
				logger.Printf("[MessageStats] Failed to send notification: %v", err)
			}
		}()
	}

	if !t.firstReport {
		t.stats = make(map[string]int)
		t.totalCount = 0
	}
	t.lastReported = now
	t.firstReport = false
	return true
}

// StartPeriodicReport 每 30 秒检查一次，直到 ctx 取消
func (t *MessageStatsTracker) StartPeriodicReport(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAndReport()
		}
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
