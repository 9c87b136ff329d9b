package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/common"
	"lines-service/pkg/models"
)

const (
	// 上游 "所有体育" 在路径中的写法
	allSportsScope = "ALL"
	dateLayout     = "2006-01-02"
)

// LinesAPIConfig 线路 API 客户端配置
type LinesAPIConfig struct {
	Host           string
	APIKey         string
	Attempts       int           // 总尝试次数，至少 1
	RequestTimeout time.Duration // 单次尝试超时 (0 = 不限制)
	WindowDays     int           // 默认时间窗口长度
}

type attemptCounterKey struct{}

// FetchResult 一次拉取的结果；Games 为空表示本周期没有数据，不代表没有比赛
type FetchResult struct {
	Games    []models.GameSnapshot
	Attempts int
	Err      error
}

// LinesAPIClient 周期性全量拉取，失败时有限次重试且不等待
type LinesAPIClient struct {
	host       string
	apiKey     string
	attempts   int
	windowDays int
	client     *retryablehttp.Client
	metrics    *Metrics
	now        func() time.Time
}

// NewLinesAPIClient 创建线路 API 客户端
func NewLinesAPIClient(cfg LinesAPIConfig, metrics *Metrics) *LinesAPIClient {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 2
	}

	c := &LinesAPIClient{
		host:       cfg.Host,
		apiKey:     cfg.APIKey,
		attempts:   cfg.Attempts,
		windowDays: cfg.WindowDays,
		metrics:    metrics,
		now:        time.Now,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.RetryMax = cfg.Attempts - 1
	rc.RetryWaitMin = 0
	rc.RetryWaitMax = 0
	rc.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return 0
	}
	rc.CheckRetry = retryOnAnyFailure
	rc.Logger = retryLogger{}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if n, ok := req.Context().Value(attemptCounterKey{}).(*int); ok {
			*n = attempt + 1
		}
		c.metrics.fetchAttempt()
		logger.Info("Calling Lines Api", nil,
			zap.String("url", redactKey(req.URL)),
			zap.Int("attempt", attempt+1))
	}
	c.client = rc

	return c
}

// retryOnAnyFailure 传输错误和非 2xx 状态都重试
func retryOnAnyFailure(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return true, nil
	}
	return false, nil
}

// FetchGames 拉取时间窗口内所有体育的线路；窗口默认为今天到今天+2 天
func (c *LinesAPIClient) FetchGames(ctx context.Context, windowStart, windowEnd *time.Time) []models.GameSnapshot {
	return c.Fetch(ctx, windowStart, windowEnd).Games
}

// Fetch 与 FetchGames 相同，额外返回尝试次数和失败原因
func (c *LinesAPIClient) Fetch(ctx context.Context, windowStart, windowEnd *time.Time) FetchResult {
	result := FetchResult{Games: []models.GameSnapshot{}}

	body, attempts, err := c.callLinesAPI(ctx, windowStart, windowEnd)
	result.Attempts = attempts
	if err != nil {
		result.Err = err
		c.metrics.fetchFailed()
		if !common.IsCancellation(err) {
			logger.Error(err, "Error calling lines api", nil,
				zap.String("source", common.SourceAPI),
				zap.Int("attempts", attempts))
		}
		return result
	}

	if len(body) == 0 {
		c.metrics.fetchFailed()
		return result
	}

	decoded, err := models.DecodeLinesResult(body)
	if err != nil {
		result.Err = common.NewDecodeError(common.SourceAPI, "failed to process result from lines api", nil, err)
		c.metrics.fetchFailed()
		c.metrics.decodeFailed(common.SourceAPI)
		logger.Error(result.Err, "Failed to process result from lines api", nil, zap.String("source", common.SourceAPI))
		return result
	}

	for _, dropped := range decoded.Dropped {
		c.metrics.decodeFailed(common.SourceAPI)
		logger.Warn("Dropped malformed lines data", nil,
			zap.String("source", common.SourceAPI),
			zap.String("detail", dropped))
	}

	if !decoded.Success {
		result.Err = fmt.Errorf("%w: %s", common.ErrProviderFailure, decoded.Exception)
		c.metrics.fetchFailed()
		logger.Warn("Lines api reported failure", nil,
			zap.String("source", common.SourceAPI),
			zap.String("exception", decoded.Exception))
		return result
	}

	result.Games = decoded.Content
	c.metrics.polled(len(result.Games))
	return result
}

func (c *LinesAPIClient) callLinesAPI(ctx context.Context, windowStart, windowEnd *time.Time) ([]byte, int, error) {
	now := c.now()
	start := now
	if windowStart != nil {
		start = *windowStart
	}
	end := now.AddDate(0, 0, c.windowDays)
	if windowEnd != nil {
		end = *windowEnd
	}

	endpoint := fmt.Sprintf("%s/api/Lines/%s/%s/%s?apiKey=%s",
		c.host, allSportsScope, start.Format(dateLayout), end.Format(dateLayout), url.QueryEscape(c.apiKey))

	attempts := 0
	req, err := retryablehttp.NewRequestWithContext(
		context.WithValue(ctx, attemptCounterKey{}, &attempts), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, common.NewTransportError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		return nil, attempts, common.NewTransportError(fmt.Sprintf("giving up after %d attempt(s)", attempts), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, attempts, common.NewTransportError("failed to read response body", err)
	}
	return body, attempts, nil
}

func redactKey(u *url.URL) string {
	redacted := *u
	q := redacted.Query()
	if q.Has("apiKey") {
		q.Set("apiKey", "xxxxx")
		redacted.RawQuery = q.Encode()
	}
	return redacted.String()
}

// retryLogger 把 retryablehttp 的告警和错误转到 zap，忽略 debug/info
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.Warn("[LinesAPI] "+msg, nil, kvFields(keysAndValues)...)
}

func (retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.Warn("[LinesAPI] "+msg, nil, kvFields(keysAndValues)...)
}

func (retryLogger) Info(string, ...interface{}) {}

func (retryLogger) Debug(string, ...interface{}) {}

func kvFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		if key == "url" {
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
