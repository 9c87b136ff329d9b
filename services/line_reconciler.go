package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lines-service/logger"
	"lines-service/pkg/common"
	"lines-service/pkg/models"
)

// 变更来源：全量轮询和 broker 推送
const (
	ChangeSourceAPI    = "api"
	ChangeSourceRabbit = "rabbit"
)

// GameStore 线路持久化
type GameStore interface {
	SaveGames(ctx context.Context, source string, games []models.GameSnapshot) error
	SuspendAll(ctx context.Context) (int64, error)
}

// ChangeBroadcaster 实时推送 (websocket)
type ChangeBroadcaster interface {
	Broadcast(change models.LineChange)
}

// LineReconciler 对账实现：比较摘要判断是否变化，变化的线路依次落库、缓存、发布、推送
//
// 所有下游都是可选的；没有缓存时每条线路都视为有变化。
type LineReconciler struct {
	store       GameStore
	cache       SnapshotCache
	publisher   LinePublisher
	broadcaster ChangeBroadcaster
	stats       *MessageStatsTracker
	metrics     *Metrics
	now         func() time.Time

	endGate *cycleEndGate
}

// NewLineReconciler 创建对账器，nil 参数表示不启用对应下游
func NewLineReconciler(store GameStore, cache SnapshotCache, publisher LinePublisher, broadcaster ChangeBroadcaster, stats *MessageStatsTracker, metrics *Metrics) *LineReconciler {
	if publisher == nil {
		publisher = NopLinePublisher{}
	}
	return &LineReconciler{
		store:       store,
		cache:       cache,
		publisher:   publisher,
		broadcaster: broadcaster,
		stats:       stats,
		metrics:     metrics,
		now:         time.Now,
		endGate:     newCycleEndGate(),
	}
}

// cycleEndGate 记录已派发但未完成的收尾；pending 为 0 时 idle 已关闭
type cycleEndGate struct {
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func newCycleEndGate() *cycleEndGate {
	idle := make(chan struct{})
	close(idle)
	return &cycleEndGate{idle: idle}
}

func (g *cycleEndGate) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 {
		g.idle = make(chan struct{})
	}
	g.pending++
}

// claim 未经 CycleEndDispatched 登记的直接调用自行登记
func (g *cycleEndGate) claim() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 {
		g.idle = make(chan struct{})
		g.pending = 1
	}
}

func (g *cycleEndGate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 {
		return
	}
	g.pending--
	if g.pending == 0 {
		close(g.idle)
	}
}

func (g *cycleEndGate) busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending > 0
}

func (g *cycleEndGate) wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CycleEndDispatched 在 OnCycleEnd 被派发时同步调用；之后的 OnPolled/OnDelta 等待收尾完成再写入
func (r *LineReconciler) CycleEndDispatched() {
	r.endGate.enter()
}

// OnPolled 处理一次全量轮询的结果，作为一个批次落库
func (r *LineReconciler) OnPolled(ctx context.Context, snapshots []models.GameSnapshot) error {
	if err := r.awaitCycleEnd(ctx); err != nil {
		return err
	}
	r.stats.Record(ChangeSourceAPI, len(snapshots))
	logger.Info("Lines api poll received", nil, zap.Int("games", len(snapshots)))

	changed := r.detectChanges(ctx, ChangeSourceAPI, snapshots)
	return r.apply(ctx, ChangeSourceAPI, changed)
}

// OnDelta 处理单条 broker 增量；失败信封只记录
func (r *LineReconciler) OnDelta(ctx context.Context, envelope models.DeltaEnvelope) error {
	if !envelope.Success() {
		logger.Warn("Rabbit receive message failed", nil,
			zap.String("source", common.SourceBroker),
			zap.String("exception", envelope.Diagnostic))
		return nil
	}

	if err := r.awaitCycleEnd(ctx); err != nil {
		return err
	}
	r.stats.Record(ChangeSourceRabbit, 1)
	changed := r.detectChanges(ctx, ChangeSourceRabbit, []models.GameSnapshot{*envelope.Game})
	return r.apply(ctx, ChangeSourceRabbit, changed)
}

// OnCycleEnd 暂停所有线路并通知下游
func (r *LineReconciler) OnCycleEnd(ctx context.Context) error {
	r.endGate.claim()
	defer r.endGate.leave()

	var errs []error

	if r.store != nil {
		affected, err := r.store.SuspendAll(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			logger.Info("Suspended stored market lines", nil, zap.Int64("lines", affected))
		}
	}

	if r.cache != nil {
		if err := r.cache.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear snapshot cache: %w", err))
		}
	}

	change := models.SuspendAllChange(r.now())
	if err := r.publisher.Publish(ctx, change); err != nil {
		errs = append(errs, err)
	} else {
		r.metrics.published(change.Source)
	}
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(change)
	}

	return errors.Join(errs...)
}

// awaitCycleEnd 上一周期的暂停和清缓存必须先于本周期的写入
func (r *LineReconciler) awaitCycleEnd(ctx context.Context) error {
	if r.endGate.busy() {
		logger.Info("Waiting for previous cycle end task", nil)
	}
	return r.endGate.wait(ctx)
}

// detectChanges 返回需要更新的快照，缓存异常时按有变化处理
func (r *LineReconciler) detectChanges(ctx context.Context, source string, snapshots []models.GameSnapshot) []models.GameSnapshot {
	changed := make([]models.GameSnapshot, 0, len(snapshots))
	for _, game := range snapshots {
		hasChanges := true
		if r.cache != nil {
			previous, found, err := r.cache.Fingerprint(ctx, game.ID)
			if err != nil {
				logger.Warn("Snapshot cache lookup failed", logger.GameID(game.ID), zap.Error(err))
			} else if found && previous == game.Fingerprint() {
				hasChanges = false
			}
		}

		if !hasChanges {
			logReceivedGame(game, source, "No changes found")
			continue
		}
		logReceivedGame(game, source, "Local storage updates needed")
		changed = append(changed, game)
	}
	return changed
}

// apply 落库成功后才更新缓存，保证失败的批次下次还会被识别为变化
func (r *LineReconciler) apply(ctx context.Context, source string, changed []models.GameSnapshot) error {
	if len(changed) == 0 {
		return nil
	}

	if r.store != nil {
		if err := r.store.SaveGames(ctx, source, changed); err != nil {
			return fmt.Errorf("failed to save %d game(s) from %s: %w", len(changed), source, err)
		}
	}

	at := r.now()
	for _, game := range changed {
		id := logger.GameID(game.ID)

		if r.cache != nil {
			if err := r.cache.Store(ctx, game.ID, game.Fingerprint()); err != nil {
				logger.Warn("Snapshot cache update failed", id, zap.Error(err))
			}
		}

		change := models.SnapshotChange(source, game, at)
		if err := r.publisher.Publish(ctx, change); err != nil {
			logger.Error(err, "Failed to publish line change", id, zap.String("source", source))
		} else {
			r.metrics.published(source)
		}

		if r.broadcaster != nil {
			r.broadcaster.Broadcast(change)
		}
	}
	return nil
}

func logReceivedGame(game models.GameSnapshot, source, message string) {
	fields := []zap.Field{zap.String("source", source)}
	if markets := game.MarketSummaries(); len(markets) > 0 {
		fields = append(fields, zap.Strings("IncomingMarkets", markets))
	}
	logger.Info(fmt.Sprintf("Received game %s from %s. %s.", game.Title(), source, message),
		logger.GameID(game.ID), fields...)
}
