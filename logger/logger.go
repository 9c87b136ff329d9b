package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 每局比赛缓存的子 logger 上限，超过后整表重建
const maxGameLoggers = 512

var (
	mu          sync.RWMutex
	base        *zap.Logger
	enabled     bool
	gameLoggers = make(map[int64]*zap.Logger, 50)
)

// New 创建 zap logger，local/development 环境使用开发配置
func New(appName, env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env == "local" || env == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build(
		zap.Fields(
			zap.String("ApplicationName", appName),
			zap.String("env", env),
		),
	)
}

// Enable 安装日志输出，只生效一次；未安装前所有调用都是空操作
func Enable(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()

	if enabled || l == nil {
		return
	}
	base = l
	enabled = true
}

// Sync 刷新缓冲的日志
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()

	if l != nil {
		_ = l.Sync()
	}
}

// current 返回当前 logger；gameID 非空时返回带 EventId 的子 logger
func current(gameID *int64) *zap.Logger {
	mu.RLock()
	if !enabled {
		mu.RUnlock()
		return nil
	}
	l := base
	if gameID == nil {
		mu.RUnlock()
		return l
	}
	child, ok := gameLoggers[*gameID]
	mu.RUnlock()
	if ok {
		return child
	}

	mu.Lock()
	defer mu.Unlock()
	if child, ok := gameLoggers[*gameID]; ok {
		return child
	}
	if len(gameLoggers) >= maxGameLoggers {
		gameLoggers = make(map[int64]*zap.Logger, 50)
	}
	child = l.With(zap.Int64("EventId", *gameID))
	gameLoggers[*gameID] = child
	return child
}

// Info 结构化 info 日志
func Info(msg string, gameID *int64, fields ...zap.Field) {
	if l := current(gameID); l != nil {
		l.Info(msg, fields...)
	}
}

// Warn 结构化 warning 日志
func Warn(msg string, gameID *int64, fields ...zap.Field) {
	if l := current(gameID); l != nil {
		l.Warn(msg, fields...)
	}
}

// Error 结构化 error 日志
func Error(err error, msg string, gameID *int64, fields ...zap.Field) {
	l := current(gameID)
	if l == nil {
		return
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.Error(msg, fields...)
}

// Println 输出正常日志
func Println(v ...interface{}) {
	if l := current(nil); l != nil {
		l.Info(fmt.Sprint(v...))
	}
}

// Printf 格式化输出正常日志
func Printf(format string, v ...interface{}) {
	if l := current(nil); l != nil {
		l.Info(fmt.Sprintf(format, v...))
	}
}

// Errorf 格式化输出错误日志
func Errorf(format string, v ...interface{}) {
	if l := current(nil); l != nil {
		l.Error(fmt.Sprintf(format, v...))
	}
}

// GameID 便于传入可选的比赛 ID
func GameID(id int64) *int64 {
	return &id
}
