// Package notify delivers paid-order callbacks to merchants with retries,
// exponential backoff and a per-merchant circuit breaker. All queue and
// breaker state lives in the coordination store.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payswitch/internal/adapter"
	"payswitch/internal/alert"
	"payswitch/internal/coord"
	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

// Store keys
const (
	KeyPending = "notify:pending"
	KeyRetry   = "notify:retry"
	KeyDelayed = "notify:delayed"
)

const requeueTimeout = 5 * time.Second

func breakerKey(hash string) string { return "circuit_breaker:" + hash }
func failureKey(hash string) string { return "failure_count:" + hash }
func rtSumKey(hash string) string   { return "rt_sum:" + hash }
func rtCountKey(hash string) string { return "rt_count:" + hash }
func slowKey(hash string) string    { return "slow_merchant:" + hash }
func queuedKey(orderNo string) string {
	return "notify:queued:" + orderNo
}

// MerchantHash identifies a merchant endpoint in store keys
func MerchantHash(notifyURL string) string {
	sum := sha256.Sum256([]byte(notifyURL))
	return hex.EncodeToString(sum[:])[:16]
}

// Repository is the relational side of delivery
type Repository interface {
	GetOrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
	GetMerchant(ctx context.Context, id int64) (*models.Merchant, error)
	UpdateNotifyStatus(ctx context.Context, orderNo, status string, attempts int) error
	InsertNotifyLog(ctx context.Context, log *models.NotifyLog) error
	// ListUnnotifiedOrders returns paid orders in one of notifyStatuses paid before paidBefore
	ListUnnotifiedOrders(ctx context.Context, notifyStatuses []string, paidBefore time.Time, limit int) ([]models.Order, error)
}

// Config tunes delivery
type Config struct {
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	FailureThreshold int64
	FailureWindow    time.Duration
	BreakerCooldown  time.Duration
	SlowThreshold    time.Duration
	SlowWindow       time.Duration
	RequestTimeout   time.Duration
	SuccessToken     string
	FirstDelay       time.Duration
	GracePeriod      time.Duration
	QueuedTTL        time.Duration
	BatchSize        int64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BaseBackoff:      5 * time.Second,
		MaxBackoff:       300 * time.Second,
		MaxAttempts:      8,
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		BreakerCooldown:  time.Minute,
		SlowThreshold:    3 * time.Second,
		SlowWindow:       10 * time.Minute,
		RequestTimeout:   10 * time.Second,
		SuccessToken:     "success",
		GracePeriod:      time.Minute,
		QueuedTTL:        24 * time.Hour,
		BatchSize:        100,
	}
}

// Backoff returns the retry delay after the given failed attempt:
// base * 2^(attempt-1), never above MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if delay > c.MaxBackoff {
		return c.MaxBackoff
	}
	return delay
}

// Engine is the notification delivery engine
type Engine struct {
	store   coord.Store
	repo    Repository
	client  *http.Client
	alerter alert.Alerter
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewEngine creates a delivery engine. A nil client gets one bounded by
// cfg.RequestTimeout.
func NewEngine(store coord.Store, repo Repository, client *http.Client, alerter alert.Alerter, cfg Config) *Engine {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.SuccessToken == "" {
		cfg.SuccessToken = "success"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Engine{
		store:   store,
		repo:    repo,
		client:  client,
		alerter: alerter,
		cfg:     cfg,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// WithClock replaces the engine clock
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// Enqueue schedules the callback for a paid order. An order already queued
// is left alone.
func (e *Engine) Enqueue(ctx context.Context, order *models.Order) error {
	_, err := e.enqueue(ctx, order)
	return err
}

func (e *Engine) enqueue(ctx context.Context, order *models.Order) (bool, error) {
	if order.NotifyURL == "" {
		return false, nil
	}

	fresh, err := e.store.SetNX(ctx, queuedKey(order.OrderNo), "1", e.cfg.QueuedTTL)
	if err != nil {
		return false, fmt.Errorf("failed to mark order queued: %w", err)
	}
	if !fresh {
		return false, nil
	}

	now := e.now()
	task := &models.NotificationTask{
		OrderNo:    order.OrderNo,
		MerchantID: order.MerchantID,
		URL:        order.NotifyURL,
		Method:     http.MethodPost,
		EnqueuedAt: now,
		DueAt:      now.Add(e.cfg.FirstDelay),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("failed to encode task: %w", err)
	}

	if e.cfg.FirstDelay > 0 {
		err = e.store.ZAdd(ctx, KeyDelayed, string(raw), score(task.DueAt))
	} else {
		err = e.store.ListPush(ctx, KeyPending, string(raw))
	}
	if err != nil {
		_ = e.store.Del(ctx, queuedKey(order.OrderNo))
		return false, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	if err := e.repo.UpdateNotifyStatus(ctx, order.OrderNo, models.NotifyStatusQueued, order.NotifyCount); err != nil {
		e.logger.Warn("Failed to mark order queued", zap.String("order_no", order.OrderNo), zap.Error(err))
	}
	e.logger.Debug("Notification queued", zap.String("order_no", order.OrderNo))
	return true, nil
}

// ProcessNext delivers one task from the pending queue. It reports false
// when the queue was empty. Delivery failures are absorbed into retry and
// breaker state; only store failures are returned, and the task is put
// back on the retry queue before they are.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	raw, ok, err := e.store.ListPop(ctx, KeyPending)
	if err != nil {
		return false, fmt.Errorf("failed to pop pending task: %w", err)
	}
	if !ok {
		return false, nil
	}

	var task models.NotificationTask
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		e.logger.Error("Dropping malformed notification task", zap.String("raw", raw), zap.Error(err))
		return true, nil
	}
	if err := e.process(ctx, &task); err != nil {
		return true, e.requeue(ctx, &task, err)
	}
	return true, nil
}

// requeue returns a popped task to the retry queue after a store or
// shutdown error. When even that fails the queued marker is dropped so the
// sweep picks the order up again.
func (e *Engine) requeue(ctx context.Context, task *models.NotificationTask, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	if err := e.schedule(ctx, KeyRetry, task, e.now().Add(e.cfg.Backoff(task.Attempts))); err != nil {
		if derr := e.store.Del(ctx, queuedKey(task.OrderNo)); derr != nil {
			e.logger.Error("Notification task lost until queued marker expires",
				zap.String("order_no", task.OrderNo), zap.Error(derr))
		}
		return fmt.Errorf("%w (requeue failed: %v)", cause, err)
	}
	e.logger.Warn("Notification task requeued after error",
		zap.String("order_no", task.OrderNo), zap.Error(cause))
	return cause
}

func (e *Engine) process(ctx context.Context, task *models.NotificationTask) error {
	hash := MerchantHash(task.URL)

	cooldown, err := e.store.TTL(ctx, breakerKey(hash))
	if err != nil {
		return fmt.Errorf("failed to read circuit breaker: %w", err)
	}
	if cooldown > 0 {
		util.NotifyDeliveriesTotal.WithLabelValues("breaker_open").Inc()
		return e.schedule(ctx, KeyRetry, task, e.now().Add(cooldown))
	}

	order, err := e.repo.GetOrderByOrderNo(ctx, task.OrderNo)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", task.OrderNo, err)
	}
	if order == nil || order.NotifyStatus == models.NotifyStatusSuccess {
		return e.store.Del(ctx, queuedKey(task.OrderNo))
	}

	if task.Payload == "" {
		merchant, err := e.repo.GetMerchant(ctx, order.MerchantID)
		if err != nil {
			return fmt.Errorf("failed to load merchant %d: %w", order.MerchantID, err)
		}
		secret := ""
		if merchant != nil {
			secret = merchant.Secret
		}
		task.Payload = BuildPayload(order, secret, e.now()).Encode()
	}

	attempt := task.Attempts + 1
	status, body, latency, callErr := e.call(ctx, task)
	if callErr != nil && ctx.Err() != nil {
		// interrupted by shutdown, not the merchant's fault
		return fmt.Errorf("delivery of %s interrupted: %w", task.OrderNo, ctx.Err())
	}
	success := callErr == nil && status == http.StatusOK &&
		strings.Contains(strings.ToLower(body), strings.ToLower(e.cfg.SuccessToken))

	e.observeLatency(ctx, hash, latency)
	util.NotifyLatency.Observe(latency.Seconds())

	entry := &models.NotifyLog{
		OrderNo:      task.OrderNo,
		URL:          task.URL,
		Attempt:      attempt,
		HTTPStatus:   status,
		ResponseBody: util.Truncate(body, 512),
		LatencyMs:    latency.Milliseconds(),
		Success:      success,
		CreatedAt:    e.now(),
	}
	if callErr != nil {
		entry.Error = util.Truncate(callErr.Error(), 512)
	}
	if err := e.repo.InsertNotifyLog(ctx, entry); err != nil {
		e.logger.Error("Failed to write notify log", zap.String("order_no", task.OrderNo), zap.Error(err))
	}

	if success {
		return e.onSuccess(ctx, task, hash, attempt)
	}
	return e.onFailure(ctx, task, hash, attempt, status, callErr)
}

func (e *Engine) call(ctx context.Context, task *models.NotificationTask) (int, string, time.Duration, error) {
	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	var (
		req *http.Request
		err error
	)
	if task.Method == http.MethodGet {
		target := task.URL
		if strings.Contains(target, "?") {
			target += "&" + task.Payload
		} else {
			target += "?" + task.Payload
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, task.URL, strings.NewReader(task.Payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return 0, "", 0, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", time.Since(start), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	latency := time.Since(start)
	if err != nil {
		return resp.StatusCode, "", latency, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(body), latency, nil
}

func (e *Engine) onSuccess(ctx context.Context, task *models.NotificationTask, hash string, attempt int) error {
	util.NotifyDeliveriesTotal.WithLabelValues("success").Inc()

	if err := e.repo.UpdateNotifyStatus(ctx, task.OrderNo, models.NotifyStatusSuccess, attempt); err != nil {
		return fmt.Errorf("failed to mark order %s notified: %w", task.OrderNo, err)
	}
	if err := e.store.Del(ctx, failureKey(hash), queuedKey(task.OrderNo)); err != nil {
		e.logger.Warn("Failed to reset merchant failure counter", zap.Error(err))
	}

	e.logger.Info("Merchant notified",
		zap.String("order_no", task.OrderNo),
		zap.Int("attempt", attempt))
	return nil
}

func (e *Engine) onFailure(ctx context.Context, task *models.NotificationTask, hash string, attempt, status int, callErr error) error {
	util.NotifyDeliveriesTotal.WithLabelValues("failure").Inc()

	failures, err := e.store.IncrBy(ctx, failureKey(hash), 1, e.cfg.FailureWindow)
	if err != nil {
		return fmt.Errorf("failed to count merchant failure: %w", err)
	}
	if e.cfg.FailureThreshold > 0 && failures >= e.cfg.FailureThreshold {
		e.openBreaker(ctx, task.URL, hash, failures)
	}

	fields := []zap.Field{
		zap.String("order_no", task.OrderNo),
		zap.Int("attempt", attempt),
		zap.Int("http_status", status),
	}
	if callErr != nil {
		fields = append(fields, zap.Error(callErr))
	}

	if attempt >= e.cfg.MaxAttempts {
		util.NotifyDeliveriesTotal.WithLabelValues("abandoned").Inc()
		e.logger.Error("Notification permanently failed", fields...)
		if err := e.repo.UpdateNotifyStatus(ctx, task.OrderNo, models.NotifyStatusFailed, attempt); err != nil {
			return fmt.Errorf("failed to mark order %s notify failed: %w", task.OrderNo, err)
		}
		e.alerter.Alert(ctx, alert.Alert{
			Category: alert.CategoryNotifyFailed,
			Title:    "Merchant notification abandoned",
			Message:  fmt.Sprintf("order %s not acknowledged after %d attempts", task.OrderNo, attempt),
			Fields:   map[string]string{"order_no": task.OrderNo, "url": task.URL},
		})
		return e.store.Del(ctx, queuedKey(task.OrderNo))
	}

	e.logger.Warn("Notification failed, retrying", fields...)
	task.Attempts = attempt
	if err := e.repo.UpdateNotifyStatus(ctx, task.OrderNo, models.NotifyStatusRetrying, attempt); err != nil {
		e.logger.Warn("Failed to update notify status", zap.String("order_no", task.OrderNo), zap.Error(err))
	}
	return e.schedule(ctx, KeyRetry, task, e.now().Add(e.cfg.Backoff(attempt)))
}

func (e *Engine) openBreaker(ctx context.Context, notifyURL, hash string, failures int64) {
	opened, err := e.store.SetNX(ctx, breakerKey(hash), strconv.FormatInt(failures, 10), e.cfg.BreakerCooldown)
	if err != nil {
		e.logger.Error("Failed to open circuit breaker", zap.String("merchant_hash", hash), zap.Error(err))
		return
	}
	if !opened {
		return
	}
	_ = e.store.Del(ctx, failureKey(hash))

	util.CircuitBreakerOpenedTotal.Inc()
	e.logger.Warn("Merchant circuit breaker opened",
		zap.String("merchant_hash", hash),
		zap.Int64("failures", failures),
		zap.Duration("cooldown", e.cfg.BreakerCooldown))
	e.alerter.Alert(ctx, alert.Alert{
		Category: alert.CategoryCircuitOpen,
		Title:    "Merchant endpoint circuit opened",
		Message:  fmt.Sprintf("%d consecutive failures", failures),
		Fields:   map[string]string{"url": notifyURL, "merchant_hash": hash},
	})
}

// observeLatency keeps a rolling average per merchant and flags slow ones
func (e *Engine) observeLatency(ctx context.Context, hash string, latency time.Duration) {
	sum, err := e.store.IncrBy(ctx, rtSumKey(hash), latency.Milliseconds(), e.cfg.SlowWindow)
	if err != nil {
		e.logger.Debug("Failed to record response time", zap.Error(err))
		return
	}
	count, err := e.store.IncrBy(ctx, rtCountKey(hash), 1, e.cfg.SlowWindow)
	if err != nil || count == 0 {
		return
	}

	avg := time.Duration(sum/count) * time.Millisecond
	if e.cfg.SlowThreshold > 0 && avg > e.cfg.SlowThreshold {
		_ = e.store.Set(ctx, slowKey(hash), strconv.FormatInt(avg.Milliseconds(), 10), e.cfg.SlowWindow)
		return
	}
	_ = e.store.Del(ctx, slowKey(hash))
}

func (e *Engine) schedule(ctx context.Context, key string, task *models.NotificationTask, due time.Time) error {
	task.DueAt = due
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := e.store.ZAdd(ctx, key, string(raw), score(due)); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

// PromoteDue moves retry and delayed tasks whose time has come to pending
func (e *Engine) PromoteDue(ctx context.Context) (int, error) {
	now := score(e.now())
	moved := 0
	for _, key := range []string{KeyRetry, KeyDelayed} {
		n, err := e.store.ZMoveDue(ctx, key, KeyPending, now, e.cfg.BatchSize)
		if err != nil {
			return moved, fmt.Errorf("failed to promote due tasks from %s: %w", key, err)
		}
		moved += int(n)
	}
	return moved, nil
}

// SweepUnnotified queues paid orders that have no task in any queue. That
// covers orders never queued and queued or retrying orders whose task was
// lost; orders still holding a queued marker are skipped by enqueue.
func (e *Engine) SweepUnnotified(ctx context.Context) (int, error) {
	orders, err := e.repo.ListUnnotifiedOrders(ctx,
		[]string{models.NotifyStatusNone, models.NotifyStatusQueued, models.NotifyStatusRetrying},
		e.now().Add(-e.cfg.GracePeriod),
		int(e.cfg.BatchSize))
	if err != nil {
		return 0, fmt.Errorf("failed to list unnotified orders: %w", err)
	}

	queued := 0
	for i := range orders {
		ok, err := e.enqueue(ctx, &orders[i])
		if err != nil {
			e.logger.Error("Failed to queue swept order", zap.String("order_no", orders[i].OrderNo), zap.Error(err))
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		e.logger.Info("Queued unnotified orders", zap.Int("count", queued))
	}
	return queued, nil
}

// BuildPayload returns the signed callback form for order
func BuildPayload(order *models.Order, secret string, now time.Time) url.Values {
	fields := map[string]string{
		"order_no":             order.OrderNo,
		"merchant_order_no":    order.MerchantOrderNo,
		"amount":               strconv.FormatInt(order.Amount, 10),
		"status":               order.Status,
		"third_party_order_no": order.ThirdPartyOrderNo,
		"trace_id":             order.TraceID,
		"timestamp":            strconv.FormatInt(now.Unix(), 10),
	}
	if order.PaidAt != nil {
		fields["paid_at"] = strconv.FormatInt(order.PaidAt.Unix(), 10)
	}

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("sign", adapter.Sign(fields, secret))
	return values
}
