package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payswitch/internal/broker"
	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

// Deliverer hands out one notification at a time
type Deliverer interface {
	ProcessNext(ctx context.Context) (bool, error)
}

// NotifyMaintainer runs the periodic notification housekeeping
type NotifyMaintainer interface {
	PromoteDue(ctx context.Context) (int, error)
	SweepUnnotified(ctx context.Context) (int, error)
	QueueStats(ctx context.Context) (*models.QueueStats, error)
}

// OrderCloser closes unpaid orders past their expiry
type OrderCloser interface {
	CloseExpiredOrders(ctx context.Context, limit int) (int, error)
}

// OrderLoader reads orders by platform order number
type OrderLoader interface {
	GetOrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
}

// Enqueuer queues a merchant notification
type Enqueuer interface {
	Enqueue(ctx context.Context, order *models.Order) error
}

// DeliveryWorker runs the notification delivery loops
type DeliveryWorker struct {
	deliverer   Deliverer
	concurrency int
	idle        time.Duration
}

// NewDeliveryWorker creates a delivery worker with concurrency loops that
// sleep for idle whenever the pending queue is empty.
func NewDeliveryWorker(deliverer Deliverer, concurrency int, idle time.Duration) *DeliveryWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	return &DeliveryWorker{deliverer: deliverer, concurrency: concurrency, idle: idle}
}

// Start blocks until ctx is cancelled and every loop has returned
func (w *DeliveryWorker) Start(ctx context.Context) {
	util.GetLogger().Info("Starting delivery worker", zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	util.GetLogger().Info("Delivery worker stopped")
}

func (w *DeliveryWorker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.deliverer.ProcessNext(ctx)
		if err != nil {
			util.GetLogger().Error("Delivery loop error", zap.Int("loop", id), zap.Error(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.idle):
		}
	}
}

// Intervals configures the background tasks
type Intervals struct {
	Promote     time.Duration
	Sweep       time.Duration
	Expire      time.Duration
	QueueStats  time.Duration
	ExpireBatch int
}

// BackgroundTasks runs the periodic maintenance jobs
type BackgroundTasks struct {
	notify    NotifyMaintainer
	orders    OrderCloser
	intervals Intervals
	wg        sync.WaitGroup
}

// NewBackgroundTasks creates the periodic jobs
func NewBackgroundTasks(notify NotifyMaintainer, orders OrderCloser, intervals Intervals) *BackgroundTasks {
	if intervals.Promote <= 0 {
		intervals.Promote = time.Second
	}
	if intervals.Sweep <= 0 {
		intervals.Sweep = 30 * time.Second
	}
	if intervals.Expire <= 0 {
		intervals.Expire = 10 * time.Second
	}
	if intervals.QueueStats <= 0 {
		intervals.QueueStats = 15 * time.Second
	}
	if intervals.ExpireBatch <= 0 {
		intervals.ExpireBatch = 100
	}
	return &BackgroundTasks{notify: notify, orders: orders, intervals: intervals}
}

// StartAll launches every job; Wait blocks until they stop with ctx
func (bt *BackgroundTasks) StartAll(ctx context.Context) {
	bt.every(ctx, "promote_due", bt.intervals.Promote, func(ctx context.Context) (int, error) {
		return bt.notify.PromoteDue(ctx)
	})
	bt.every(ctx, "sweep_unnotified", bt.intervals.Sweep, func(ctx context.Context) (int, error) {
		return bt.notify.SweepUnnotified(ctx)
	})
	bt.every(ctx, "close_expired", bt.intervals.Expire, func(ctx context.Context) (int, error) {
		return bt.orders.CloseExpiredOrders(ctx, bt.intervals.ExpireBatch)
	})
	bt.every(ctx, "queue_stats", bt.intervals.QueueStats, func(ctx context.Context) (int, error) {
		_, err := bt.notify.QueueStats(ctx)
		return 0, err
	})
}

// Wait blocks until every job has returned
func (bt *BackgroundTasks) Wait() {
	bt.wg.Wait()
}

func (bt *BackgroundTasks) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) (int, error)) {
	bt.wg.Add(1)
	go func() {
		defer bt.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := job(ctx)
				if err != nil {
					util.GetLogger().Error("Background task failed", zap.String("task", name), zap.Error(err))
					continue
				}
				if n > 0 {
					util.GetLogger().Info("Background task done", zap.String("task", name), zap.Int("count", n))
				}
			}
		}
	}()
}

// OrderEventWorker turns ORDER_PAID events into merchant notifications
type OrderEventWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	orders       OrderLoader
	notifier     Enqueuer
}

// NewOrderEventWorker creates a new order event worker
func NewOrderEventWorker(consumer *broker.Consumer, orders OrderLoader, notifier Enqueuer) *OrderEventWorker {
	w := &OrderEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		orders:       orders,
		notifier:     notifier,
	}
	w.eventHandler.OnOrderPaid(w.handleOrderPaid)
	return w
}

// Start starts the worker
func (w *OrderEventWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting order event worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderEventWorker) Stop() error {
	util.GetLogger().Info("Stopping order event worker")
	return w.consumer.Close()
}

func (w *OrderEventWorker) handleOrderPaid(ctx context.Context, event *models.OrderEvent) error {
	order, err := w.orders.GetOrderByOrderNo(ctx, event.OrderNo)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", event.OrderNo, err)
	}
	if order == nil || order.Status != models.OrderStatusSuccess {
		util.GetLogger().Warn("Ignoring paid event for unpaid order", zap.String("order_no", event.OrderNo))
		return nil
	}
	if order.NotifyStatus == models.NotifyStatusSuccess {
		return nil
	}
	return w.notifier.Enqueue(ctx, order)
}
