package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payswitch/internal/models"
	"payswitch/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type countingDeliverer struct {
	remaining atomic.Int64
	calls     atomic.Int64
}

func (d *countingDeliverer) ProcessNext(context.Context) (bool, error) {
	d.calls.Add(1)
	if d.remaining.Add(-1) >= 0 {
		return true, nil
	}
	return false, nil
}

func TestDeliveryWorkerDrainsAndStops(t *testing.T) {
	d := &countingDeliverer{}
	d.remaining.Store(50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewDeliveryWorker(d, 4, 5*time.Millisecond).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.remaining.Load() < 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery worker did not stop")
	}
	assert.GreaterOrEqual(t, d.calls.Load(), int64(51))
}

type erroringDeliverer struct{ calls atomic.Int64 }

func (d *erroringDeliverer) ProcessNext(context.Context) (bool, error) {
	d.calls.Add(1)
	return true, errors.New("store down")
}

func TestDeliveryWorkerBacksOffOnError(t *testing.T) {
	d := &erroringDeliverer{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	NewDeliveryWorker(d, 1, 40*time.Millisecond).Start(ctx)
	// one call per idle period, not a hot loop
	assert.LessOrEqual(t, d.calls.Load(), int64(4))
}

type fakeMaintainer struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMaintainer) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
}

func (f *fakeMaintainer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeMaintainer) PromoteDue(context.Context) (int, error) { f.hit("promote"); return 1, nil }
func (f *fakeMaintainer) SweepUnnotified(context.Context) (int, error) {
	f.hit("sweep")
	return 0, errors.New("db down")
}
func (f *fakeMaintainer) QueueStats(context.Context) (*models.QueueStats, error) {
	f.hit("stats")
	return &models.QueueStats{}, nil
}
func (f *fakeMaintainer) CloseExpiredOrders(_ context.Context, limit int) (int, error) {
	f.hit("expire")
	return 0, nil
}

func TestBackgroundTasksRunEveryJob(t *testing.T) {
	m := &fakeMaintainer{}
	ctx, cancel := context.WithCancel(context.Background())

	bt := NewBackgroundTasks(m, m, Intervals{
		Promote:    5 * time.Millisecond,
		Sweep:      5 * time.Millisecond,
		Expire:     5 * time.Millisecond,
		QueueStats: 5 * time.Millisecond,
	})
	bt.StartAll(ctx)

	require.Eventually(t, func() bool {
		return m.count("promote") >= 2 && m.count("sweep") >= 2 && m.count("expire") >= 2 && m.count("stats") >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	bt.Wait()
}

type mapLoader map[string]*models.Order

func (m mapLoader) GetOrderByOrderNo(_ context.Context, orderNo string) (*models.Order, error) {
	return m[orderNo], nil
}

type recordingEnqueuer struct{ orders []string }

func (r *recordingEnqueuer) Enqueue(_ context.Context, order *models.Order) error {
	r.orders = append(r.orders, order.OrderNo)
	return nil
}

func TestHandleOrderPaid(t *testing.T) {
	loader := mapLoader{
		"P1": {OrderNo: "P1", Status: models.OrderStatusSuccess, NotifyStatus: models.NotifyStatusNone},
		"P2": {OrderNo: "P2", Status: models.OrderStatusPaying},
		"P3": {OrderNo: "P3", Status: models.OrderStatusSuccess, NotifyStatus: models.NotifyStatusSuccess},
	}
	enq := &recordingEnqueuer{}
	w := &OrderEventWorker{orders: loader, notifier: enq}

	for _, no := range []string{"P1", "P2", "P3", "P404"} {
		require.NoError(t, w.handleOrderPaid(context.Background(), &models.OrderEvent{OrderNo: no}))
	}
	assert.Equal(t, []string{"P1"}, enq.orders)
}
