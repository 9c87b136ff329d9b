package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lines-service/pkg/common"
	"lines-service/pkg/models"
)

type recordingReconciler struct {
	mu        sync.Mutex
	polled    [][]models.GameSnapshot
	deltas    []models.DeltaEnvelope
	cycleEnds int32

	polledErr  error
	cycleEndFn func(ctx context.Context) error

	polledCh   chan struct{}
	deltaCh    chan struct{}
	cycleEndCh chan struct{}
}

func newRecordingReconciler() *recordingReconciler {
	return &recordingReconciler{
		polledCh:   make(chan struct{}, 64),
		deltaCh:    make(chan struct{}, 64),
		cycleEndCh: make(chan struct{}, 64),
	}
}

func (r *recordingReconciler) OnPolled(_ context.Context, snapshots []models.GameSnapshot) error {
	r.mu.Lock()
	r.polled = append(r.polled, snapshots)
	r.mu.Unlock()
	r.polledCh <- struct{}{}
	return r.polledErr
}

func (r *recordingReconciler) OnDelta(_ context.Context, envelope models.DeltaEnvelope) error {
	r.mu.Lock()
	r.deltas = append(r.deltas, envelope)
	r.mu.Unlock()
	r.deltaCh <- struct{}{}
	return nil
}

func (r *recordingReconciler) OnCycleEnd(ctx context.Context) error {
	atomic.AddInt32(&r.cycleEnds, 1)
	defer func() { r.cycleEndCh <- struct{}{} }()
	if r.cycleEndFn != nil {
		return r.cycleEndFn(ctx)
	}
	return nil
}

func (r *recordingReconciler) cycleEndCount() int {
	return int(atomic.LoadInt32(&r.cycleEnds))
}

func (r *recordingReconciler) polledBatches() [][]models.GameSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.GameSnapshot(nil), r.polled...)
}

func (r *recordingReconciler) deltaEnvelopes() []models.DeltaEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DeltaEnvelope(nil), r.deltas...)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

type stubFetcher struct {
	calls int32
	games []models.GameSnapshot
	panic bool
}

func (f *stubFetcher) FetchGames(context.Context, *time.Time, *time.Time) []models.GameSnapshot {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("fetch exploded")
	}
	return f.games
}

func (f *stubFetcher) count() int {
	return int(atomic.LoadInt32(&f.calls))
}

type stubSubscriber struct {
	calls   int32
	consume func(call int, ctx context.Context, onDelta DeltaHandler) (ConsumeOutcome, error)
}

func (s *stubSubscriber) Consume(ctx context.Context, _ string, onDelta DeltaHandler) (ConsumeOutcome, error) {
	call := int(atomic.AddInt32(&s.calls, 1))
	return s.consume(call, ctx, onDelta)
}

func (s *stubSubscriber) count() int {
	return int(atomic.LoadInt32(&s.calls))
}

func blockUntilCancelled(_ int, ctx context.Context, _ DeltaHandler) (ConsumeOutcome, error) {
	<-ctx.Done()
	return OutcomeCancelled, nil
}

func twoGames() []models.GameSnapshot {
	return []models.GameSnapshot{
		{ID: 100, AwayName: "Jets", HomeName: "Bills", Markets: []models.MarketLine{}},
		{ID: 101, AwayName: "Cubs", HomeName: "Mets", Markets: []models.MarketLine{}},
	}
}

func newTestWorker(fetcher SnapshotFetcher, subscriber DeltaSubscriber, reconciler Reconciler) *LinesWorker {
	return NewLinesWorker(LinesWorkerConfig{
		RoutingKey:   "lines.all",
		Reconnect:    ReconnectConfig{InitialDelay: 0, MaxDelay: 0, BackoffFactor: 1},
		DrainTimeout: time.Second,
	}, fetcher, subscriber, reconciler, nil, nil)
}

func TestRunCycleCancelled(t *testing.T) {
	fetcher := &stubFetcher{games: twoGames()}
	subscriber := &stubSubscriber{consume: func(_ int, ctx context.Context, onDelta DeltaHandler) (ConsumeOutcome, error) {
		onDelta(ctx, models.SuccessEnvelope(twoGames()[0]))
		<-ctx.Done()
		return OutcomeCancelled, nil
	}}
	reconciler := newRecordingReconciler()
	worker := newTestWorker(fetcher, subscriber, reconciler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.RunCycle(ctx) }()

	waitSignal(t, reconciler.deltaCh, "delta")
	assert.Equal(t, CycleSubscribed, worker.State())
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("cycle did not end after cancellation")
	}
	waitSignal(t, reconciler.cycleEndCh, "cycle end")

	batches := reconciler.polledBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, int64(100), batches[0][0].ID)
	assert.Equal(t, int64(101), batches[0][1].ID)

	deltas := reconciler.deltaEnvelopes()
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Success())
	assert.Equal(t, int64(100), deltas[0].Game.ID)

	assert.Equal(t, 1, reconciler.cycleEndCount())
	assert.Equal(t, CycleIdle, worker.State())
}

func TestRunCycleFreshFetchEachCycle(t *testing.T) {
	fetcher := &stubFetcher{games: twoGames()}
	subscriber := &stubSubscriber{consume: func(int, context.Context, DeltaHandler) (ConsumeOutcome, error) {
		return OutcomeBrokerClosed, nil
	}}
	reconciler := newRecordingReconciler()
	worker := newTestWorker(fetcher, subscriber, reconciler)

	require.NoError(t, worker.RunCycle(context.Background()))
	require.NoError(t, worker.RunCycle(context.Background()))

	assert.Equal(t, 2, fetcher.count())
	assert.Equal(t, 2, subscriber.count())
	assert.Len(t, reconciler.polledBatches(), 2)
	waitSignal(t, reconciler.cycleEndCh, "first cycle end")
	waitSignal(t, reconciler.cycleEndCh, "second cycle end")
	assert.Equal(t, 2, reconciler.cycleEndCount())
	assert.Equal(t, int64(2), worker.Cycles())
}

func TestRunEndToEnd(t *testing.T) {
	var apiCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		_, _ = w.Write([]byte(linesPayload))
	}))
	defer srv.Close()

	fetcher := newTestAPIClient(srv.URL, 3, nil)
	dialer := &fakeDialer{}
	connector := NewAMQPConnector(testURI, dialer.dial, nil)
	consumer := NewAMQPConsumer(connector, "lines_upstream", nil)
	consumer.closeWait = 100 * time.Millisecond
	reconciler := newRecordingReconciler()
	worker := newTestWorker(fetcher, consumer, reconciler)

	var checkpoints int32
	worker.SetCheckpoint(func() { atomic.AddInt32(&checkpoints, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan int, 1)
	go func() { exit <- worker.Run(ctx) }()

	waitSignal(t, reconciler.polledCh, "first poll")
	require.Eventually(t, func() bool { return dialer.last() != nil }, 3*time.Second, 5*time.Millisecond)
	channel := <-dialer.last().opened
	<-channel.consuming

	channel.deliveries <- gameDelivery(100)
	waitSignal(t, reconciler.deltaCh, "delta for 100")

	// broker 关闭 channel：本周期收尾，并开始新周期
	channel.brokerClose(320, "CONNECTION_FORCED - broker restart")
	waitSignal(t, reconciler.cycleEndCh, "first cycle end")
	waitSignal(t, reconciler.polledCh, "second poll")
	assert.GreaterOrEqual(t, atomic.LoadInt32(&apiCalls), int32(2))

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, 1, code)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}

	batches := reconciler.polledBatches()
	require.GreaterOrEqual(t, len(batches), 2)
	assert.Equal(t, []int64{100, 101}, []int64{batches[0][0].ID, batches[0][1].ID})

	deltas := reconciler.deltaEnvelopes()
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(100), deltas[0].Game.ID)

	assert.Equal(t, int32(1), atomic.LoadInt32(&checkpoints))
	assert.Equal(t, len(batches), reconciler.cycleEndCount())
}

func TestCancelCycleStartsNextCycle(t *testing.T) {
	fetcher := &stubFetcher{games: twoGames()}
	subscriber := &stubSubscriber{consume: blockUntilCancelled}
	reconciler := newRecordingReconciler()
	worker := newTestWorker(fetcher, subscriber, reconciler)
	assert.False(t, worker.CancelCycle(), "no cycle running yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan int, 1)
	go func() { exit <- worker.Run(ctx) }()

	waitSignal(t, reconciler.polledCh, "first poll")
	require.Eventually(t, func() bool { return subscriber.count() == 1 }, 3*time.Second, 5*time.Millisecond)

	require.True(t, worker.CancelCycle())
	waitSignal(t, reconciler.cycleEndCh, "first cycle end")
	waitSignal(t, reconciler.polledCh, "second poll")

	assert.Equal(t, 1, reconciler.cycleEndCount())
	assert.Equal(t, 2, fetcher.count())
	assert.Zero(t, worker.FailedCycles())
	select {
	case <-exit:
		t.Fatal("Run exited after a cycle-only cancel")
	default:
	}

	cancel()
	assert.Equal(t, 1, <-exit)
	waitSignal(t, reconciler.cycleEndCh, "second cycle end")
	assert.Equal(t, 2, reconciler.cycleEndCount())
}

func TestCancelCycleDuringFetchIsNotFailure(t *testing.T) {
	reconciler := newRecordingReconciler()
	var worker *LinesWorker
	fetcher := &cancellingFetcher{cancel: func() { worker.CancelCycle() }}
	worker = newTestWorker(fetcher, &stubSubscriber{consume: blockUntilCancelled}, reconciler)

	assert.NoError(t, worker.RunCycle(context.Background()))
	assert.Empty(t, reconciler.polledBatches())
	waitSignal(t, reconciler.cycleEndCh, "cycle end")
}

type cancellingFetcher struct{ cancel func() }

func (f *cancellingFetcher) FetchGames(ctx context.Context, _, _ *time.Time) []models.GameSnapshot {
	f.cancel()
	<-ctx.Done()
	return nil
}

func TestRunRestartsFailedCycles(t *testing.T) {
	fetcher := &stubFetcher{games: twoGames()}
	subscriber := &stubSubscriber{consume: func(call int, ctx context.Context, onDelta DeltaHandler) (ConsumeOutcome, error) {
		if call <= 2 {
			return OutcomeConnectionLost, common.NewConnectionError("failed to create channel", errors.New("refused"))
		}
		return blockUntilCancelled(call, ctx, onDelta)
	}}
	reconciler := newRecordingReconciler()
	worker := newTestWorker(fetcher, subscriber, reconciler)

	ctx, cancel := context.WithCancel(context.Background())
	exit := make(chan int, 1)
	go func() { exit <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return subscriber.count() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), worker.FailedCycles())
	assert.Equal(t, 3, fetcher.count())

	cancel()
	assert.Equal(t, 1, <-exit)
	assert.Equal(t, int64(2), worker.FailedCycles())
}

func TestRunCycleConnectionLostIsFailure(t *testing.T) {
	subscriber := &stubSubscriber{consume: func(int, context.Context, DeltaHandler) (ConsumeOutcome, error) {
		return OutcomeConnectionLost, nil
	}}
	worker := newTestWorker(&stubFetcher{}, subscriber, newRecordingReconciler())

	err := worker.RunCycle(context.Background())
	assert.True(t, common.IsKind(err, common.KindConnection))
}

func TestRunExitsWhenAlreadyCancelled(t *testing.T) {
	fetcher := &stubFetcher{}
	worker := newTestWorker(fetcher, &stubSubscriber{consume: blockUntilCancelled}, newRecordingReconciler())
	var checkpoints int32
	worker.SetCheckpoint(func() { atomic.AddInt32(&checkpoints, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 1, worker.Run(ctx))
	assert.Equal(t, 0, fetcher.count())
	assert.Equal(t, int32(1), atomic.LoadInt32(&checkpoints))
}

func TestCycleEndIsNotAwaited(t *testing.T) {
	release := make(chan struct{})
	reconciler := newRecordingReconciler()
	reconciler.cycleEndFn = func(ctx context.Context) error {
		<-release
		return nil
	}
	fetcher := &stubFetcher{games: twoGames()}
	subscriber := &stubSubscriber{consume: func(int, context.Context, DeltaHandler) (ConsumeOutcome, error) {
		return OutcomeBrokerClosed, nil
	}}
	worker := newTestWorker(fetcher, subscriber, reconciler)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = worker.RunCycle(context.Background())
		_ = worker.RunCycle(context.Background())
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("next cycle waited for the previous cycle end task")
	}
	assert.Equal(t, 2, fetcher.count())

	close(release)
	waitSignal(t, reconciler.cycleEndCh, "first cycle end")
	waitSignal(t, reconciler.cycleEndCh, "second cycle end")
}

func TestCycleEndFailureIsContained(t *testing.T) {
	reconciler := newRecordingReconciler()
	reconciler.cycleEndFn = func(context.Context) error {
		panic("suspend failed")
	}
	subscriber := &stubSubscriber{consume: func(int, context.Context, DeltaHandler) (ConsumeOutcome, error) {
		return OutcomeBrokerClosed, nil
	}}
	worker := newTestWorker(&stubFetcher{}, subscriber, reconciler)

	require.NotPanics(t, func() {
		require.NoError(t, worker.RunCycle(context.Background()))
	})
	waitSignal(t, reconciler.cycleEndCh, "cycle end")
	assert.NoError(t, worker.RunCycle(context.Background()))
}

func TestFailureEnvelopeNotForwarded(t *testing.T) {
	reconciler := newRecordingReconciler()
	subscriber := &stubSubscriber{consume: func(_ int, ctx context.Context, onDelta DeltaHandler) (ConsumeOutcome, error) {
		onDelta(ctx, models.FailureEnvelope("upstream timeout", common.ErrProviderFailure))
		onDelta(ctx, models.SuccessEnvelope(models.GameSnapshot{ID: 101}))
		return OutcomeBrokerClosed, nil
	}}
	worker := newTestWorker(&stubFetcher{}, subscriber, reconciler)

	require.NoError(t, worker.RunCycle(context.Background()))

	deltas := reconciler.deltaEnvelopes()
	require.Len(t, deltas, 1)
	assert.Equal(t, int64(101), deltas[0].Game.ID)
}

func TestPolledFailureEndsCycle(t *testing.T) {
	reconciler := newRecordingReconciler()
	reconciler.polledErr = errors.New("database unavailable")
	subscriber := &stubSubscriber{consume: blockUntilCancelled}
	worker := newTestWorker(&stubFetcher{games: twoGames()}, subscriber, reconciler)

	err := worker.RunCycle(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, 0, subscriber.count())
	waitSignal(t, reconciler.cycleEndCh, "cycle end")
}

func TestFetchPanicBecomesCycleError(t *testing.T) {
	reconciler := newRecordingReconciler()
	worker := newTestWorker(&stubFetcher{panic: true}, &stubSubscriber{consume: blockUntilCancelled}, reconciler)

	var err error
	require.NotPanics(t, func() { err = worker.RunCycle(context.Background()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch exploded")
	assert.Empty(t, reconciler.polledBatches())
	waitSignal(t, reconciler.cycleEndCh, "cycle end")
}

func TestReconnectBackoff(t *testing.T) {
	b := newReconnectBackoff(ReconnectConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 2})

	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 4*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())
	assert.Equal(t, 5*time.Second, b.next())

	b.reset()
	assert.Equal(t, time.Second, b.next())
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.False(t, sleepContext(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}
