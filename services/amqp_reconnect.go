package services

import (
	"context"
	"time"
)

// ReconnectConfig 周期失败后的重启配置
type ReconnectConfig struct {
	InitialDelay  time.Duration // 初始延迟 (0 = 立即重启)
	MaxDelay      time.Duration // 最大延迟
	BackoffFactor float64       // 退避因子
}

// DefaultReconnectConfig 默认重启配置
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
	}
}

// reconnectBackoff 连续失败时指数增长，成功一次后重置
type reconnectBackoff struct {
	cfg     ReconnectConfig
	current time.Duration
}

func newReconnectBackoff(cfg ReconnectConfig) *reconnectBackoff {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &reconnectBackoff{cfg: cfg, current: cfg.InitialDelay}
}

// next 返回本次等待时长并推进到下一档
func (b *reconnectBackoff) next() time.Duration {
	delay := b.current
	b.current = time.Duration(float64(b.current) * b.cfg.BackoffFactor)
	if b.current > b.cfg.MaxDelay {
		b.current = b.cfg.MaxDelay
	}
	return delay
}

func (b *reconnectBackoff) reset() {
	b.current = b.cfg.InitialDelay
}

// sleepContext 可被取消的等待，被取消时返回 false
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
