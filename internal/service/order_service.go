package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"payswitch/internal/alert"
	"payswitch/internal/coord"
	"payswitch/internal/models"
	"payswitch/internal/util"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
	"go.uber.org/zap"
)

// OrderRepository persists orders. Status-changing writes are guarded by
// the expected current status and report whether a row changed.
type OrderRepository interface {
	ExistsByMerchantOrderNo(ctx context.Context, merchantID int64, merchantOrderNo string) (bool, error)
	// CreateOrder returns models.ErrDuplicateOrder on a uniqueness violation
	CreateOrder(ctx context.Context, order *models.Order) error
	DeleteOrder(ctx context.Context, orderNo string) error
	GetOrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error)
	// ApplyPaymentOutcome moves a pending order to paying
	ApplyPaymentOutcome(ctx context.Context, orderNo string, outcome *models.PaymentOutcome) (bool, error)
	// MarkOrderFailed moves a pending or paying order to failed
	MarkOrderFailed(ctx context.Context, orderNo, reason string) (bool, error)
	// MarkOrderPaid moves a paying order to success
	MarkOrderPaid(ctx context.Context, orderNo, thirdPartyOrderNo string, paidAt time.Time) (bool, error)
	TransitionStatus(ctx context.Context, orderNo, from, to string) (bool, error)
	// ReopenOrder moves a failed order back to pending with a new expiry
	ReopenOrder(ctx context.Context, orderNo string, expiresAt time.Time) (bool, error)
	ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
}

// EventPublisher publishes order lifecycle events
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
}

// NotificationEnqueuer schedules the merchant callback for a paid order
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, order *models.Order) error
}

// OrderConfig holds orchestration timings
type OrderConfig struct {
	LeaseTTL        time.Duration
	OrderTTL        time.Duration
	ExistsCacheTTL  time.Duration
	ProductCacheTTL time.Duration
	ProductMissTTL  time.Duration
}

func (c *OrderConfig) setDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.OrderTTL <= 0 {
		c.OrderTTL = 30 * time.Minute
	}
	if c.ExistsCacheTTL <= 0 {
		c.ExistsCacheTTL = 24 * time.Hour
	}
	if c.ProductCacheTTL <= 0 {
		c.ProductCacheTTL = 5 * time.Minute
	}
	if c.ProductMissTTL <= 0 {
		c.ProductMissTTL = time.Minute
	}
}

const (
	productMissSentinel = "__none__"
	persistTimeout      = 5 * time.Second
	leaseMargin         = 2 * time.Second
)

// OrderService orchestrates order creation and the order lifecycle
type OrderService struct {
	catalog   CatalogRepository
	orders    OrderRepository
	store     coord.Store
	validator *ChannelValidator
	selector  *ChannelSelector
	executor  *PaymentExecutor
	events    EventPublisher
	notifier  NotificationEnqueuer
	alerter   alert.Alerter
	cfg       OrderConfig
	logger    *zap.Logger

	newSuffix func() string
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	catalog CatalogRepository,
	orders OrderRepository,
	store coord.Store,
	validator *ChannelValidator,
	selector *ChannelSelector,
	executor *PaymentExecutor,
	events EventPublisher,
	notifier NotificationEnqueuer,
	alerter alert.Alerter,
	cfg OrderConfig,
) (*OrderService, error) {
	cfg.setDefaults()

	suffix, err := nanoid.CustomASCII("0123456789", 10)
	if err != nil {
		return nil, fmt.Errorf("failed to create order number generator: %w", err)
	}

	return &OrderService{
		catalog:   catalog,
		orders:    orders,
		store:     store,
		validator: validator,
		selector:  selector,
		executor:  executor,
		events:    events,
		notifier:  notifier,
		alerter:   alerter,
		cfg:       cfg,
		logger:    util.GetLogger(),
		newSuffix: suffix,
		now:       time.Now,
	}, nil
}

// CreateOrderRequest is the merchant's order creation input
type CreateOrderRequest struct {
	MerchantOrderNo string `json:"merchant_order_no" binding:"required,max=64"`
	ProductCode     string `json:"product_code" binding:"required"`
	Amount          int64  `json:"amount" binding:"required,gt=0"`
	NotifyURL       string `json:"notify_url" binding:"required,url"`
	ReturnURL       string `json:"return_url"`
	TerminalIP      string `json:"terminal_ip"`
}

// CreateOrderData is returned on success
type CreateOrderData struct {
	OrderNo    string `json:"order_no"`
	TraceID    string `json:"trace_id"`
	PaymentURL string `json:"payment_url"`
}

// CreateOrderResult is the typed outcome of CreateOrder. Data is nil
// unless Code is 200.
type CreateOrderResult struct {
	Code    int              `json:"code"`
	Kind    ErrorKind        `json:"kind,omitempty"`
	Message string           `json:"message"`
	Data    *CreateOrderData `json:"data"`
}

// CreateOrder routes a new order to a supplier. It never returns an error:
// business failures and unexpected errors both become a result.
func (s *OrderService) CreateOrder(ctx context.Context, merchantID int64, req *CreateOrderRequest) *CreateOrderResult {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req == nil {
		req = &CreateOrderRequest{}
	}
	data, err := s.createOrder(ctx, merchantID, req)
	if err == nil {
		return &CreateOrderResult{Code: 200, Message: "success", Data: data}
	}

	kind := KindOf(err)
	if kind == "" {
		util.OrdersRejectedTotal.WithLabelValues(string(KindInternal)).Inc()
		s.logger.Error("Order creation failed unexpectedly",
			zap.Int64("merchant_id", merchantID),
			zap.String("merchant_order_no", req.MerchantOrderNo),
			zap.String("product_code", req.ProductCode),
			zap.Int64("amount", req.Amount),
			zap.Error(err))
		return &CreateOrderResult{
			Code:    StatusCode(KindInternal),
			Kind:    KindInternal,
			Message: "internal error, please retry later",
		}
	}

	util.OrdersRejectedTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("Order rejected",
		zap.Int64("merchant_id", merchantID),
		zap.String("merchant_order_no", req.MerchantOrderNo),
		zap.String("kind", string(kind)),
		zap.Error(err))

	message := err.Error()
	if kind == KindChannelExhausted {
		message = "all payment channels failed"
	}
	return &CreateOrderResult{Code: StatusCode(kind), Kind: kind, Message: message}
}

func (s *OrderService) createOrder(ctx context.Context, merchantID int64, req *CreateOrderRequest) (data *CreateOrderData, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	merchant, err := s.catalog.GetMerchant(ctx, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant %d: %w", merchantID, err)
	}
	if merchant == nil {
		return nil, newBusinessError(KindMerchantNotFound, "merchant %d not found", merchantID)
	}
	if !merchant.Enabled {
		return nil, newBusinessError(KindMerchantDisabled, "merchant %d disabled", merchantID)
	}

	leaseKey := fmt.Sprintf("lock:order:%d:%s", merchantID, req.MerchantOrderNo)
	token := uuid.New().String()
	acquired, err := s.store.SetNX(ctx, leaseKey, token, s.cfg.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire order lease: %w", err)
	}
	if !acquired {
		return nil, newBusinessError(KindOrderProcessing, "order %s is being processed, retry later", req.MerchantOrderNo)
	}

	var (
		written  []string
		order    *models.Order
		executed bool
		accepted *models.PaymentOutcome
	)
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("panic while creating order: %v", r)
		}
		if err != nil && KindOf(err) == "" {
			s.rollback(ctx, written, order, executed, accepted)
		}
		s.releaseLease(ctx, leaseKey, token)
	}()

	existsKey := fmt.Sprintf("order:exists:%d:%s", merchantID, req.MerchantOrderNo)
	duplicate, err := s.isDuplicate(ctx, existsKey, merchantID, req.MerchantOrderNo)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, newBusinessError(KindDuplicateOrder, "merchant order %s already exists", req.MerchantOrderNo)
	}

	product, err := s.resolveProduct(ctx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, newBusinessError(KindProductNotFound, "product %s not found", req.ProductCode)
	}
	if !product.Enabled {
		return nil, newBusinessError(KindProductDisabled, "product %s disabled", req.ProductCode)
	}

	eligible, err := s.validator.GetEligibleChannels(ctx, product.ID)
	if err != nil {
		if KindOf(err) == KindNoEligibleChannel {
			s.alerter.Alert(ctx, alert.Alert{
				Category: alert.CategoryNoEligibleChannel,
				Title:    "No eligible payment channel",
				Message:  err.Error(),
				Fields: map[string]string{
					"merchant_id":  strconv.FormatInt(merchantID, 10),
					"product_code": product.Code,
				},
			})
		}
		return nil, err
	}

	candidates, err := s.selector.Select(ctx, product.ID, eligible, req.Amount)
	if err != nil {
		return nil, err
	}

	now := s.now()
	first := candidates[0]
	order = &models.Order{
		OrderNo:         s.nextOrderNo(now),
		MerchantID:      merchantID,
		MerchantOrderNo: req.MerchantOrderNo,
		ProductID:       product.ID,
		Status:          models.OrderStatusPending,
		Amount:          req.Amount,
		Fee:             first.Fee(req.Amount),
		ChannelID:       first.ChannelID,
		PaymentMethod:   first.PaymentMethod,
		NotifyURL:       req.NotifyURL,
		ReturnURL:       req.ReturnURL,
		ClientIP:        req.TerminalIP,
		NotifyStatus:    models.NotifyStatusNone,
		TraceID:         traceID(ctx),
		ExpiresAt:       now.Add(s.cfg.OrderTTL),
	}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		created := order
		order = nil
		if errors.Is(err, models.ErrDuplicateOrder) {
			return nil, newBusinessError(KindDuplicateOrder, "merchant order %s already exists", created.MerchantOrderNo)
		}
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}
	util.OrdersCreatedTotal.Inc()

	if err := s.store.Set(ctx, existsKey, order.OrderNo, s.cfg.ExistsCacheTTL); err != nil {
		s.logger.Warn("Failed to cache order existence", zap.String("order_no", order.OrderNo), zap.Error(err))
	} else {
		written = append(written, existsKey)
	}
	s.publish(ctx, models.EventTypeOrderCreated, order, "")

	executed = true
	execCtx, cancelExec := s.executionContext(ctx)
	result, err := s.executor.ExecuteWithFallback(execCtx, candidates, &OrderPayment{
		OrderNo:         order.OrderNo,
		MerchantOrderNo: order.MerchantOrderNo,
		ProductCode:     product.Code,
		Amount:          order.Amount,
		NotifyURL:       order.NotifyURL,
		ReturnURL:       order.ReturnURL,
		ClientIP:        order.ClientIP,
		TraceID:         order.TraceID,
	})
	cancelExec()

	// suppliers have been contacted; what follows must land even if the
	// caller has gone away
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err != nil {
		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) {
			return nil, err
		}
		if _, ferr := s.orders.MarkOrderFailed(persistCtx, order.OrderNo, util.Truncate(exhausted.Error(), 500)); ferr != nil {
			return nil, fmt.Errorf("failed to record channel exhaustion: %w", ferr)
		}
		order.Status = models.OrderStatusFailed
		s.publish(persistCtx, models.EventTypeOrderFailed, order, "channel_exhausted")
		return nil, err
	}

	outcome := result.Outcome()
	accepted = outcome
	applied, err := s.orders.ApplyPaymentOutcome(persistCtx, order.OrderNo, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to apply payment outcome: %w", err)
	}
	if !applied {
		return nil, fmt.Errorf("order %s left pending state during execution", order.OrderNo)
	}

	order.Status = models.OrderStatusPaying
	order.ChannelID = outcome.ChannelID
	order.Fee = outcome.Fee
	order.PaymentMethod = outcome.PaymentMethod
	order.ThirdPartyOrderNo = outcome.ThirdPartyOrderNo
	order.PaymentURL = outcome.PaymentURL
	util.OrdersPayingTotal.Inc()
	s.publish(persistCtx, models.EventTypeOrderPaying, order, "")

	s.logger.Info("Order routed",
		zap.String("order_no", order.OrderNo),
		zap.Int64("merchant_id", merchantID),
		zap.Int64("channel_id", outcome.ChannelID),
		zap.String("third_party_order_no", outcome.ThirdPartyOrderNo))

	return &CreateOrderData{
		OrderNo:    order.OrderNo,
		TraceID:    order.TraceID,
		PaymentURL: outcome.PaymentURL,
	}, nil
}

func validateRequest(req *CreateOrderRequest) error {
	var problems []string
	if strings.TrimSpace(req.MerchantOrderNo) == "" {
		problems = append(problems, "merchant_order_no is required")
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		problems = append(problems, "product_code is required")
	}
	if req.Amount <= 0 {
		problems = append(problems, "amount must be positive")
	}
	if strings.TrimSpace(req.NotifyURL) == "" {
		problems = append(problems, "notify_url is required")
	}
	if len(problems) > 0 {
		be := newBusinessError(KindInvalidParams, "invalid order request")
		be.Details = problems
		return be
	}
	return nil
}

// isDuplicate checks the cache first and then the database
func (s *OrderService) isDuplicate(ctx context.Context, existsKey string, merchantID int64, merchantOrderNo string) (bool, error) {
	_, cached, err := s.store.Get(ctx, existsKey)
	if err != nil {
		s.logger.Warn("Order existence cache unavailable", zap.Error(err))
	} else if cached {
		return true, nil
	}

	exists, err := s.orders.ExistsByMerchantOrderNo(ctx, merchantID, merchantOrderNo)
	if err != nil {
		return false, fmt.Errorf("failed to check merchant order uniqueness: %w", err)
	}
	return exists, nil
}

// resolveProduct reads through the product cache. A miss is cached too.
func (s *OrderService) resolveProduct(ctx context.Context, code string) (*models.Product, error) {
	key := "product:code:" + code

	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Product cache unavailable", zap.String("product_code", code), zap.Error(err))
	} else if ok {
		if raw == productMissSentinel {
			return nil, nil
		}
		var product models.Product
		if err := json.Unmarshal([]byte(raw), &product); err == nil {
			return &product, nil
		}
	}

	product, err := s.catalog.GetProductByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", code, err)
	}

	value, ttl := productMissSentinel, s.cfg.ProductMissTTL
	if product != nil {
		encoded, err := json.Marshal(product)
		if err != nil {
			return nil, fmt.Errorf("failed to encode product: %w", err)
		}
		value, ttl = string(encoded), s.cfg.ProductCacheTTL
	}
	if err := s.store.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Failed to cache product", zap.String("product_code", code), zap.Error(err))
	}
	return product, nil
}

// rollback undoes what an unexpectedly failed creation left behind. It
// runs on a context detached from the request so a cancelled caller
// still gets cleaned up. An order a supplier accepted is never failed: it
// stays pending so the supplier's confirmation can still settle it.
func (s *OrderService) rollback(ctx context.Context, written []string, order *models.Order, executed bool, accepted *models.PaymentOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if len(written) > 0 {
		if err := s.store.Del(ctx, written...); err != nil {
			s.logger.Error("Failed to clear order caches", zap.Strings("keys", written), zap.Error(err))
		}
	}
	if order == nil {
		return
	}

	switch {
	case !executed:
		if err := s.orders.DeleteOrder(ctx, order.OrderNo); err != nil {
			s.logger.Error("Failed to remove provisional order", zap.String("order_no", order.OrderNo), zap.Error(err))
		}
	case accepted != nil:
		s.logger.Error("Supplier accepted order but outcome was not recorded",
			zap.String("order_no", order.OrderNo),
			zap.Int64("channel_id", accepted.ChannelID),
			zap.String("third_party_order_no", accepted.ThirdPartyOrderNo))
		s.alerter.Alert(ctx, alert.Alert{
			Category: alert.CategoryOrderError,
			Title:    "Payment outcome not recorded",
			Message:  fmt.Sprintf("order %s accepted by channel %d but left pending", order.OrderNo, accepted.ChannelID),
			Fields: map[string]string{
				"order_no":             order.OrderNo,
				"channel_id":           strconv.FormatInt(accepted.ChannelID, 10),
				"third_party_order_no": accepted.ThirdPartyOrderNo,
			},
		})
	default:
		if _, err := s.orders.MarkOrderFailed(ctx, order.OrderNo, "internal error"); err != nil {
			s.logger.Error("Failed to mark order failed", zap.String("order_no", order.OrderNo), zap.Error(err))
		}
	}
}

func (s *OrderService) releaseLease(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	released, err := s.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		s.logger.Error("Failed to release order lease", zap.String("key", key), zap.Error(err))
		return
	}
	if !released {
		// lease expired and possibly re-acquired by another request
		s.logger.Warn("Order lease no longer held", zap.String("key", key))
	}
}

// executionContext bounds the whole fallback run so it ends before the
// order lease can expire.
func (s *OrderService) executionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := s.cfg.LeaseTTL - leaseMargin
	if budget <= 0 {
		budget = s.cfg.LeaseTTL / 2
	}
	return context.WithTimeout(ctx, budget)
}

func (s *OrderService) nextOrderNo(now time.Time) string {
	return "P" + now.Format("20060102150405") + s.newSuffix()
}

func (s *OrderService) publish(ctx context.Context, eventType string, order *models.Order, reason string) {
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: s.now(),
		},
		OrderNo:           order.OrderNo,
		MerchantID:        order.MerchantID,
		MerchantOrderNo:   order.MerchantOrderNo,
		Amount:            order.Amount,
		ChannelID:         order.ChannelID,
		Status:            order.Status,
		ThirdPartyOrderNo: order.ThirdPartyOrderNo,
		TraceID:           order.TraceID,
		Reason:            reason,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.String("order_no", order.OrderNo),
			zap.Error(err))
	}
}

// GetOrder returns a merchant's own order
func (s *OrderService) GetOrder(ctx context.Context, merchantID int64, orderNo string) (*models.Order, error) {
	order, err := s.orders.GetOrderByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderNo, err)
	}
	if order == nil || order.MerchantID != merchantID {
		return nil, newBusinessError(KindOrderNotFound, "order %s not found", orderNo)
	}
	return order, nil
}

// ConfirmPayment records the supplier's asynchronous payment confirmation.
// Confirming an already paid order is a no-op. A pending order is one whose
// accepted outcome was never recorded; it passes through paying first.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderNo, thirdPartyOrderNo string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment")
	defer span.End()

	order, err := s.orders.GetOrderByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderNo, err)
	}
	if order == nil {
		return nil, newBusinessError(KindOrderNotFound, "order %s not found", orderNo)
	}
	if order.ThirdPartyOrderNo != "" && thirdPartyOrderNo != "" && order.ThirdPartyOrderNo != thirdPartyOrderNo {
		return nil, newBusinessError(KindInvalidParams, "third party order no mismatch for %s", orderNo)
	}
	if order.Status == models.OrderStatusSuccess {
		return order, nil
	}
	if order.Status == models.OrderStatusPending {
		ok, err := s.orders.TransitionStatus(ctx, orderNo, models.OrderStatusPending, models.OrderStatusPaying)
		if err != nil {
			return nil, fmt.Errorf("failed to update order %s: %w", orderNo, err)
		}
		if !ok {
			return nil, newBusinessError(KindInvalidTransition, "order %s changed state concurrently", orderNo)
		}
		s.logger.Warn("Confirmation settled a pending order", zap.String("order_no", orderNo))
		order.Status = models.OrderStatusPaying
	}
	if err := models.ValidateTransition(order.Status, models.OrderStatusSuccess); err != nil {
		return nil, newBusinessError(KindInvalidTransition, "%v", err)
	}

	paidAt := s.now()
	ok, err := s.orders.MarkOrderPaid(ctx, orderNo, thirdPartyOrderNo, paidAt)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order %s paid: %w", orderNo, err)
	}
	if !ok {
		return nil, newBusinessError(KindInvalidTransition, "order %s changed state concurrently", orderNo)
	}

	order.Status = models.OrderStatusSuccess
	order.PaidAt = &paidAt
	if thirdPartyOrderNo != "" {
		order.ThirdPartyOrderNo = thirdPartyOrderNo
	}
	util.OrdersPaidTotal.Inc()

	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPaid,
			Timestamp: paidAt,
		},
		OrderNo:           order.OrderNo,
		MerchantID:        order.MerchantID,
		MerchantOrderNo:   order.MerchantOrderNo,
		Amount:            order.Amount,
		ChannelID:         order.ChannelID,
		Status:            order.Status,
		ThirdPartyOrderNo: order.ThirdPartyOrderNo,
		TraceID:           order.TraceID,
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		// without the event nobody else will schedule the callback
		s.logger.Warn("Failed to publish ORDER_PAID, enqueueing notification directly",
			zap.String("order_no", orderNo), zap.Error(err))
		if err := s.notifier.Enqueue(ctx, order); err != nil {
			s.logger.Error("Failed to enqueue notification", zap.String("order_no", orderNo), zap.Error(err))
		}
	}

	s.logger.Info("Order paid", zap.String("order_no", orderNo))
	return order, nil
}

// CloseExpiredOrders closes pending and paying orders past their expiry
func (s *OrderService) CloseExpiredOrders(ctx context.Context, limit int) (int, error) {
	expired, err := s.orders.ListExpiredOrders(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired orders: %w", err)
	}

	closed := 0
	for i := range expired {
		order := &expired[i]
		ok, err := s.orders.TransitionStatus(ctx, order.OrderNo, order.Status, models.OrderStatusClosed)
		if err != nil {
			s.logger.Error("Failed to close expired order", zap.String("order_no", order.OrderNo), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		closed++
		order.Status = models.OrderStatusClosed
		util.OrdersClosedTotal.Inc()
		s.publish(ctx, models.EventTypeOrderClosed, order, "expired")
	}

	if closed > 0 {
		s.logger.Info("Closed expired orders", zap.Int("count", closed))
	}
	return closed, nil
}

// RefundOrder marks a paid order refunded
func (s *OrderService) RefundOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	return s.transition(ctx, orderNo, models.OrderStatusRefunded)
}

// ReissueOrder returns a failed order to pending for manual re-routing
func (s *OrderService) ReissueOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	order, err := s.loadForTransition(ctx, orderNo, models.OrderStatusPending)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.cfg.OrderTTL)
	ok, err := s.orders.ReopenOrder(ctx, orderNo, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen order %s: %w", orderNo, err)
	}
	if !ok {
		return nil, newBusinessError(KindInvalidTransition, "order %s changed state concurrently", orderNo)
	}

	order.Status = models.OrderStatusPending
	order.ExpiresAt = expiresAt
	order.FailReason = ""
	return order, nil
}

func (s *OrderService) transition(ctx context.Context, orderNo, to string) (*models.Order, error) {
	order, err := s.loadForTransition(ctx, orderNo, to)
	if err != nil {
		return nil, err
	}

	ok, err := s.orders.TransitionStatus(ctx, orderNo, order.Status, to)
	if err != nil {
		return nil, fmt.Errorf("failed to update order %s: %w", orderNo, err)
	}
	if !ok {
		return nil, newBusinessError(KindInvalidTransition, "order %s changed state concurrently", orderNo)
	}
	order.Status = to
	return order, nil
}

func (s *OrderService) loadForTransition(ctx context.Context, orderNo, to string) (*models.Order, error) {
	order, err := s.orders.GetOrderByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderNo, err)
	}
	if order == nil {
		return nil, newBusinessError(KindOrderNotFound, "order %s not found", orderNo)
	}
	if err := models.ValidateTransition(order.Status, to); err != nil {
		return nil, newBusinessError(KindInvalidTransition, "%v", err)
	}
	return order, nil
}

func traceID(ctx context.Context) string {
	if id := util.TraceID(ctx); id != "" {
		return id
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
