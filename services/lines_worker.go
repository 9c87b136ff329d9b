package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/common"
	"lines-service/pkg/models"
)

// Reconciler 对账协作者：决定收到的线路是否需要处理
//
// OnPolled 每个周期最多调用一次，且早于该周期的任何 OnDelta；
// OnDelta 按到达顺序串行调用；OnCycleEnd 每个周期结束后调用一次，在独立 goroutine 中执行。
type Reconciler interface {
	OnPolled(ctx context.Context, snapshots []models.GameSnapshot) error
	OnDelta(ctx context.Context, envelope models.DeltaEnvelope) error
	OnCycleEnd(ctx context.Context) error
}

// CycleEndTracker 可选：Reconciler 实现后，工作器在派发 OnCycleEnd 之前同步通知，
// 使下一周期的 OnPolled/OnDelta 能排在收尾之后，而工作器本身不等待收尾
type CycleEndTracker interface {
	CycleEndDispatched()
}

// SnapshotFetcher 全量快照来源
type SnapshotFetcher interface {
	FetchGames(ctx context.Context, windowStart, windowEnd *time.Time) []models.GameSnapshot
}

// DeltaSubscriber 增量订阅来源
type DeltaSubscriber interface {
	Consume(ctx context.Context, routingKey string, onDelta DeltaHandler) (ConsumeOutcome, error)
}

// CycleState 周期状态
type CycleState int32

const (
	CycleIdle CycleState = iota
	CycleFetching
	CycleSubscribed
	CycleDraining
)

func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "idle"
	case CycleFetching:
		return "fetching"
	case CycleSubscribed:
		return "subscribed"
	case CycleDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LinesWorkerConfig 工作器配置
type LinesWorkerConfig struct {
	RoutingKey      string
	Reconnect       ReconnectConfig
	CycleEndTimeout time.Duration // 单次 OnCycleEnd 的最长执行时间
	DrainTimeout    time.Duration // 退出时等待未完成 OnCycleEnd 的时间
}

// LinesWorker 轮询 + 订阅的周期编排器，Run 为外层监督循环
type LinesWorker struct {
	fetcher    SnapshotFetcher
	subscriber DeltaSubscriber
	reconciler Reconciler
	metrics    *Metrics
	notifier   *LarkNotifier

	routingKey      string
	reconnect       ReconnectConfig
	cycleEndTimeout time.Duration
	drainTimeout    time.Duration
	checkpoint      func()

	state   atomic.Int32
	cycles  atomic.Int64
	failed  atomic.Int64
	pending sync.WaitGroup

	cycleMu     sync.Mutex
	cancelCycle context.CancelFunc
}

// NewLinesWorker 创建工作器
func NewLinesWorker(cfg LinesWorkerConfig, fetcher SnapshotFetcher, subscriber DeltaSubscriber, reconciler Reconciler, metrics *Metrics, notifier *LarkNotifier) *LinesWorker {
	if cfg.CycleEndTimeout <= 0 {
		cfg.CycleEndTimeout = 2 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &LinesWorker{
		fetcher:         fetcher,
		subscriber:      subscriber,
		reconciler:      reconciler,
		metrics:         metrics,
		notifier:        notifier,
		routingKey:      cfg.RoutingKey,
		reconnect:       cfg.Reconnect,
		cycleEndTimeout: cfg.CycleEndTimeout,
		drainTimeout:    cfg.DrainTimeout,
		checkpoint:      func() {},
	}
}

// SetCheckpoint 设置退出前执行的检查点
func (w *LinesWorker) SetCheckpoint(fn func()) {
	if fn != nil {
		w.checkpoint = fn
	}
}

// State 当前周期状态
func (w *LinesWorker) State() CycleState {
	return CycleState(w.state.Load())
}

// Cycles 已开始的周期数
func (w *LinesWorker) Cycles() int64 {
	return w.cycles.Load()
}

// FailedCycles 以错误结束的周期数
func (w *LinesWorker) FailedCycles() int64 {
	return w.failed.Load()
}

// CancelCycle 只取消当前周期：订阅结束、收尾派发，随后开始新周期。没有进行中的周期时返回 false
func (w *LinesWorker) CancelCycle() bool {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	if w.cancelCycle == nil {
		return false
	}
	w.cancelCycle()
	return true
}

func (w *LinesWorker) setCycleCancel(cancel context.CancelFunc) {
	w.cycleMu.Lock()
	w.cancelCycle = cancel
	w.cycleMu.Unlock()
}

func (w *LinesWorker) setState(s CycleState) {
	w.state.Store(int32(s))
}

// Run 循环执行周期直到 ctx 被取消；周期错误只记录并按退避重启
//
// 返回值始终为 1，0 保留未用。
func (w *LinesWorker) Run(ctx context.Context) int {
	defer w.exitHandler()

	logger.Info("Lines worker started", nil, zap.String("routing_key", w.routingKey))

	backoff := newReconnectBackoff(w.reconnect)
	for ctx.Err() == nil {
		err := w.RunCycle(ctx)
		if err == nil {
			backoff.reset()
			continue
		}
		if ctx.Err() != nil {
			break
		}

		w.failed.Add(1)
		w.metrics.cycleFailed()
		logger.Error(err, "Error in lines worker cycle", nil, zap.Int64("cycle", w.Cycles()))
		w.notifyFailure(err)

		delay := backoff.next()
		if delay > 0 {
			logger.Info("Restarting cycle after delay", nil, zap.Duration("delay", delay))
		}
		if !sleepContext(ctx, delay) {
			break
		}
	}

	logger.Info("Lines worker stopping", nil, zap.Int64("cycles", w.Cycles()))
	return 1
}

// exitHandler 退出前的检查点，并有限等待仍在执行的周期收尾
func (w *LinesWorker) exitHandler() {
	w.checkpoint()

	done := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.drainTimeout):
		logger.Warn("Timed out waiting for cycle end tasks", nil, zap.Duration("timeout", w.drainTimeout))
	}
}

// RunCycle 执行一个完整周期：拉取、订阅、收尾
//
// 周期 ctx 由 ctx 派生，进程取消会同时取消当前订阅。
// 无论以何种方式结束，收尾都会被派发且不等待其完成。
func (w *LinesWorker) RunCycle(ctx context.Context) (err error) {
	cycle := w.cycles.Add(1)
	w.metrics.cycleStarted()

	cycleCtx, cancel := context.WithCancel(ctx)
	w.setCycleCancel(cancel)
	defer func() {
		w.setCycleCancel(nil)
		cancel()
		w.endCycle(cycleCtx, cycle)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %d panicked: %v", cycle, r)
		}
	}()

	w.setState(CycleFetching)
	games := w.fetcher.FetchGames(cycleCtx, nil, nil)
	if cycleCtx.Err() != nil {
		// 仅周期被取消时 ctx.Err() 为 nil，直接进入下一周期
		return ctx.Err()
	}

	if err := w.reconciler.OnPolled(cycleCtx, games); err != nil {
		if cycleCtx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to process polled snapshots: %w", err)
	}

	w.setState(CycleSubscribed)
	outcome, err := w.subscriber.Consume(cycleCtx, w.routingKey, w.handleDelta)
	w.metrics.cycleOutcome(outcome)
	if err != nil {
		return err
	}

	logger.Info("Subscription ended", nil,
		zap.Int64("cycle", cycle),
		zap.String("outcome", outcome.String()))

	switch outcome {
	case OutcomeCancelled:
		return ctx.Err()
	case OutcomeConnectionLost:
		return common.NewConnectionError("subscription ended", errors.New(outcome.String()))
	default:
		return nil
	}
}

func (w *LinesWorker) handleDelta(ctx context.Context, envelope models.DeltaEnvelope) {
	if !envelope.Success() {
		logger.Error(envelope.Err, "Rabbit receive message failed. Provider reported an error", nil,
			zap.String("source", common.SourceBroker),
			zap.String("exception", envelope.Diagnostic))
		return
	}

	if err := w.reconciler.OnDelta(ctx, envelope); err != nil && !common.IsCancellation(err) {
		logger.Error(err, "Failed to process delta", envelope.GameID(), zap.String("source", common.SourceBroker))
	}
}

// endCycle 派发收尾任务，不等待
func (w *LinesWorker) endCycle(cycleCtx context.Context, cycle int64) {
	w.setState(CycleDraining)

	if tracker, ok := w.reconciler.(CycleEndTracker); ok {
		tracker.CycleEndDispatched()
	}

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(cycleCtx), w.cycleEndTimeout)
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error(fmt.Errorf("%v", r), "Cycle end task panicked", nil, zap.Int64("cycle", cycle))
			}
		}()

		if err := w.reconciler.OnCycleEnd(endCtx); err != nil {
			logger.Error(err, "Cycle end task failed", nil, zap.Int64("cycle", cycle))
			return
		}
		logger.Info("All Games Suspended", nil, zap.Int64("cycle", cycle))
	}()

	w.setState(CycleIdle)
}

func (w *LinesWorker) notifyFailure(err error) {
	if w.notifier == nil {
		return
	}
	cycle := w.Cycles()
	go func() {
		if sendErr := w.notifier.NotifyCycleFailure(cycle, err); sendErr != nil {
			logger.Warn("Failed to send cycle failure notification", nil, zap.Error(sendErr))
		}
	}()
}
