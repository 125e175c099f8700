package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPaid    = errors.New("order is not paid")
	ErrAlreadyNotified = errors.New("merchant already notified")
	ErrAlreadyQueued   = errors.New("notification already queued")
)

// TriggerResult is the outcome of one manual trigger
type TriggerResult struct {
	OrderNo string `json:"order_no"`
	Queued  bool   `json:"queued"`
	Reason  string `json:"reason,omitempty"`
}

// TriggerOrder queues a notification by hand. It refuses orders that were
// already notified or are still in the queues.
func (e *Engine) TriggerOrder(ctx context.Context, orderNo string) error {
	order, err := e.repo.GetOrderByOrderNo(ctx, orderNo)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderNo, err)
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status != models.OrderStatusSuccess {
		return ErrOrderNotPaid
	}
	if order.NotifyStatus == models.NotifyStatusSuccess {
		return ErrAlreadyNotified
	}

	queued, err := e.enqueue(ctx, order)
	if err != nil {
		return err
	}
	if !queued {
		return ErrAlreadyQueued
	}

	e.logger.Info("Notification triggered manually", zap.String("order_no", orderNo))
	return nil
}

// BatchTrigger triggers every order and reports each outcome
func (e *Engine) BatchTrigger(ctx context.Context, orderNos []string) []TriggerResult {
	results := make([]TriggerResult, 0, len(orderNos))
	for _, orderNo := range orderNos {
		res := TriggerResult{OrderNo: orderNo, Queued: true}
		if err := e.TriggerOrder(ctx, orderNo); err != nil {
			res.Queued = false
			res.Reason = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// ResetCircuitBreaker closes the breaker of a merchant endpoint
func (e *Engine) ResetCircuitBreaker(ctx context.Context, notifyURL string) error {
	hash := MerchantHash(notifyURL)
	if err := e.store.Del(ctx, breakerKey(hash), failureKey(hash)); err != nil {
		return fmt.Errorf("failed to reset circuit breaker: %w", err)
	}
	e.logger.Info("Circuit breaker reset", zap.String("merchant_hash", hash))
	return nil
}

// MerchantStats reports breaker and latency state of a merchant endpoint
func (e *Engine) MerchantStats(ctx context.Context, notifyURL string) (*models.CircuitBreakerState, error) {
	hash := MerchantHash(notifyURL)
	state := &models.CircuitBreakerState{MerchantHash: hash}

	cooldown, err := e.store.TTL(ctx, breakerKey(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read circuit breaker: %w", err)
	}
	state.Open = cooldown > 0
	state.CooldownRemaining = cooldown

	if state.FailureCount, err = e.readInt(ctx, failureKey(hash)); err != nil {
		return nil, err
	}
	sum, err := e.readInt(ctx, rtSumKey(hash))
	if err != nil {
		return nil, err
	}
	count, err := e.readInt(ctx, rtCountKey(hash))
	if err != nil {
		return nil, err
	}
	if count > 0 {
		state.AvgResponseTime = time.Duration(sum/count) * time.Millisecond
	}

	_, state.Slow, err = e.store.Get(ctx, slowKey(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read slow flag: %w", err)
	}
	return state, nil
}

func (e *Engine) readInt(ctx context.Context, key string) (int64, error) {
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n, nil
}

// QueueStats reports depth and oldest-item age of every queue
func (e *Engine) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	now := e.now()
	stats := &models.QueueStats{}

	var err error
	if stats.PendingDepth, err = e.store.ListLen(ctx, KeyPending); err != nil {
		return nil, fmt.Errorf("failed to read pending depth: %w", err)
	}
	head, ok, err := e.store.ListHead(ctx, KeyPending)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending head: %w", err)
	}
	if ok {
		var task models.NotificationTask
		if json.Unmarshal([]byte(head), &task) == nil && !task.EnqueuedAt.IsZero() {
			stats.PendingLag = nonNegative(now.Sub(task.EnqueuedAt))
		}
	}

	if stats.RetryDepth, stats.RetryLag, err = e.zsetStats(ctx, KeyRetry, now); err != nil {
		return nil, err
	}
	if stats.DelayedDepth, stats.DelayedLag, err = e.zsetStats(ctx, KeyDelayed, now); err != nil {
		return nil, err
	}

	util.NotifyQueueDepth.WithLabelValues("pending").Set(float64(stats.PendingDepth))
	util.NotifyQueueDepth.WithLabelValues("retry").Set(float64(stats.RetryDepth))
	util.NotifyQueueDepth.WithLabelValues("delayed").Set(float64(stats.DelayedDepth))
	return stats, nil
}

// zsetStats returns the depth and how far the earliest task is overdue
func (e *Engine) zsetStats(ctx context.Context, key string, now time.Time) (int64, time.Duration, error) {
	depth, err := e.store.ZCard(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s depth: %w", key, err)
	}
	earliest, ok, err := e.store.ZMinScore(ctx, key)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s head: %w", key, err)
	}
	if !ok {
		return depth, 0, nil
	}
	due := time.UnixMilli(int64(earliest * 1000))
	return depth, nonNegative(now.Sub(due)), nil
}

// ListUnnotified returns paid orders whose merchant has not acknowledged
func (e *Engine) ListUnnotified(ctx context.Context, limit int) ([]models.Order, error) {
	orders, err := e.repo.ListUnnotifiedOrders(ctx,
		[]string{models.NotifyStatusNone, models.NotifyStatusQueued, models.NotifyStatusRetrying, models.NotifyStatusFailed},
		e.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unnotified orders: %w", err)
	}
	return orders, nil
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
