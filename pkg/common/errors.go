package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConnected 未连接错误
	ErrNotConnected = errors.New("not connected")

	// ErrRetriesExhausted 重试次数耗尽
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrProviderFailure 上游返回 success=false
	ErrProviderFailure = errors.New("provider reported failure")

	// ErrMissingGameID 快照缺少比赛 ID
	ErrMissingGameID = errors.New("missing game id")
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindDecode     ErrorKind = "decode"
	KindConnection ErrorKind = "connection"
	KindCancelled  ErrorKind = "cancelled"
)

// 错误来源，用于跨通道关联日志
const (
	SourceAPI    = "api"
	SourceBroker = "broker"
)

// AppError 应用错误
type AppError struct {
	Kind    ErrorKind
	Source  string
	GameID  *int64
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Source, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewTransportError HTTP 传输失败
func NewTransportError(message string, cause error) *AppError {
	return &AppError{Kind: KindTransport, Source: SourceAPI, Message: message, Cause: cause}
}

// NewDecodeError 单条记录解析失败
func NewDecodeError(source, message string, gameID *int64, cause error) *AppError {
	return &AppError{Kind: KindDecode, Source: source, GameID: gameID, Message: message, Cause: cause}
}

// NewConnectionError broker 连接或 channel 创建失败
func NewConnectionError(message string, cause error) *AppError {
	return &AppError{Kind: KindConnection, Source: SourceBroker, Message: message, Cause: cause}
}

// IsKind 判断错误链上是否存在指定分类
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsCancellation 取消属于正常控制流，不按失败记录
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || IsKind(err, KindCancelled)
}
