package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"payswitch/internal/adapter"
	"payswitch/internal/alert"
	"payswitch/internal/coord"
	"payswitch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMerchant = int64(10)

type orderEnv struct {
	catalog  *fakeCatalog
	orders   *fakeOrders
	store    *coord.MemoryStore
	events   *recordingEvents
	notifier *recordingNotifier
	alerter  *recordingAlerter
	svc      *OrderService
}

func newOrderEnv(t *testing.T, adapters map[string]*scriptedAdapter) *orderEnv {
	t.Helper()

	env := &orderEnv{
		catalog:  newFakeCatalog(),
		orders:   newFakeOrders(),
		store:    coord.NewMemoryStore(),
		events:   &recordingEvents{},
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
	}
	env.catalog.merchants[testMerchant] = &models.Merchant{ID: testMerchant, Name: "shop", Enabled: true}
	env.catalog.products[1] = &models.Product{ID: 1, Code: "ALIPAY_H5", Name: "Alipay H5", Enabled: true}

	svc, err := NewOrderService(
		env.catalog,
		env.orders,
		env.store,
		NewChannelValidator(env.catalog),
		NewChannelSelector(env.store, StrategyWeightedRandom),
		NewPaymentExecutor(registryWith(adapters), env.alerter, &nopMonitor{}, 50*time.Millisecond),
		env.events,
		env.notifier,
		env.alerter,
		OrderConfig{LeaseTTL: 30 * time.Second},
	)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func request(merchantOrderNo string, amount int64) *CreateOrderRequest {
	return &CreateOrderRequest{
		MerchantOrderNo: merchantOrderNo,
		ProductCode:     "ALIPAY_H5",
		Amount:          amount,
		NotifyURL:       "https://shop.example/notify",
		ReturnURL:       "https://shop.example/return",
		TerminalIP:      "10.0.0.1",
	}
}

func (e *orderEnv) leaseHeld(t *testing.T, merchantOrderNo string) bool {
	t.Helper()
	_, ok, err := e.store.Get(context.Background(), fmt.Sprintf("lock:order:%d:%s", testMerchant, merchantOrderNo))
	require.NoError(t, err)
	return ok
}

func (e *orderEnv) onlyOrder(t *testing.T) models.Order {
	t.Helper()
	all := e.orders.all()
	require.Len(t, all, 1)
	return all[0]
}

func TestCreateOrderFallsBackToSecondChannel(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"a": blockUntilDone(), "b": succeedWith("TP123")})
	env.catalog.addChannel(1, 1, "A", "a", 80, 0, 0)
	env.catalog.addChannel(1, 2, "B", "b", 20, 0, 100000)

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-1", 50000))
	require.Equal(t, 200, res.Code, res.Message)
	require.NotNil(t, res.Data)
	assert.NotEmpty(t, res.Data.TraceID)
	assert.Equal(t, "https://pay.example/TP123", res.Data.PaymentURL)

	order := env.onlyOrder(t)
	assert.Equal(t, res.Data.OrderNo, order.OrderNo)
	assert.Equal(t, int64(2), order.ChannelID)
	assert.Equal(t, models.OrderStatusPaying, order.Status)
	assert.Equal(t, "TP123", order.ThirdPartyOrderNo)
	assert.Equal(t, int64(300), order.Fee)
	assert.False(t, env.leaseHeld(t, "M-1"))
	assert.Contains(t, env.events.types(), models.EventTypeOrderPaying)
}

func TestCreateOrderConcurrentDuplicates(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*CreateOrderResult
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-dup", 1000))
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Code == 200 {
			succeeded++
			continue
		}
		assert.Equal(t, 409, res.Code)
		assert.Contains(t, []ErrorKind{KindOrderProcessing, KindDuplicateOrder}, res.Kind)
		assert.Nil(t, res.Data)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, env.orders.all(), 1)
	assert.False(t, env.leaseHeld(t, "M-dup"))
}

func TestCreateOrderDuplicateDetectedAfterLease(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)
	env.orders.put(models.Order{OrderNo: "P-existing", MerchantID: testMerchant, MerchantOrderNo: "M-old", Status: models.OrderStatusPaying})

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-old", 1000))
	assert.Equal(t, 409, res.Code)
	assert.Equal(t, KindDuplicateOrder, res.Kind)
	assert.False(t, env.leaseHeld(t, "M-old"))
}

func TestCreateOrderLeaseContention(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)

	key := fmt.Sprintf("lock:order:%d:%s", testMerchant, "M-busy")
	_, err := env.store.SetNX(context.Background(), key, "someone-else", time.Minute)
	require.NoError(t, err)

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-busy", 1000))
	assert.Equal(t, 409, res.Code)
	assert.Equal(t, KindOrderProcessing, res.Kind)

	owner, ok, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "someone-else", owner)
	assert.Empty(t, env.orders.all())
}

func TestCreateOrderBusinessFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(env *orderEnv)
		req    *CreateOrderRequest
		code   int
		kind   ErrorKind
		alerts alert.Category
	}{
		{
			name:  "invalid params",
			setup: func(env *orderEnv) {},
			req:   &CreateOrderRequest{MerchantOrderNo: "M-bad", ProductCode: "ALIPAY_H5"},
			code:  400,
			kind:  KindInvalidParams,
		},
		{
			name:  "merchant disabled",
			setup: func(env *orderEnv) { env.catalog.merchants[testMerchant].Enabled = false },
			req:   request("M-bad", 1000),
			code:  403,
			kind:  KindMerchantDisabled,
		},
		{
			name:  "product missing",
			setup: func(env *orderEnv) { env.catalog.products[1].Code = "OTHER" },
			req:   request("M-bad", 1000),
			code:  404,
			kind:  KindProductNotFound,
		},
		{
			name:  "product disabled",
			setup: func(env *orderEnv) { env.catalog.products[1].Enabled = false },
			req:   request("M-bad", 1000),
			code:  422,
			kind:  KindProductDisabled,
		},
		{
			name:   "no eligible channel",
			setup:  func(env *orderEnv) { env.catalog.channels[1].Enabled = false },
			req:    request("M-bad", 1000),
			code:   422,
			kind:   KindNoEligibleChannel,
			alerts: alert.CategoryNoEligibleChannel,
		},
		{
			name:  "amount out of range",
			setup: func(env *orderEnv) {},
			req:   request("M-bad", 10),
			code:  422,
			kind:  KindAmountOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
			env.catalog.addChannel(1, 1, "A", "ok", 10, 100, 0)
			tt.setup(env)

			res := env.svc.CreateOrder(context.Background(), testMerchant, tt.req)
			assert.Equal(t, tt.code, res.Code)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Nil(t, res.Data)
			assert.Empty(t, env.orders.all())
			assert.False(t, env.leaseHeld(t, tt.req.MerchantOrderNo))
			if tt.alerts != "" {
				assert.Equal(t, 1, env.alerter.count(tt.alerts))
			}
		})
	}
}

func TestCreateOrderExhaustionMarksOrderFailed(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{
		"x": failWithStatus(500, "down"),
		"y": failWithStatus(400, "bad sign"),
	})
	env.catalog.addChannel(1, 1, "Xpay", "x", 60, 0, 0)
	env.catalog.addChannel(1, 2, "Ypay", "y", 40, 0, 0)

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-fail", 1000))
	assert.Equal(t, 502, res.Code)
	assert.Equal(t, KindChannelExhausted, res.Kind)
	assert.Equal(t, "all payment channels failed", res.Message)

	order := env.onlyOrder(t)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Contains(t, order.FailReason, "Xpay")
	assert.Contains(t, order.FailReason, "Ypay")
	assert.False(t, env.leaseHeld(t, "M-fail"))
	assert.Equal(t, 1, env.alerter.count(alert.CategoryChannelExhausted))
	assert.Contains(t, env.events.types(), models.EventTypeOrderFailed)

	// a failed order still occupies its merchant order number
	again := env.svc.CreateOrder(context.Background(), testMerchant, request("M-fail", 1000))
	assert.Equal(t, KindDuplicateOrder, again.Kind)
}

func TestCreateOrderUnexpectedErrorBeforeExecution(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)
	env.orders.createErr = errStoreDown

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-err", 1000))
	assert.Equal(t, 500, res.Code)
	assert.Equal(t, KindInternal, res.Kind)
	assert.NotContains(t, res.Message, "connection refused")
	assert.Empty(t, env.orders.all())
	assert.False(t, env.leaseHeld(t, "M-err"))
}

func TestCreateOrderUnexpectedErrorAfterExecution(t *testing.T) {
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": succeedWith("TP1")})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)
	env.orders.applyErr = errStoreDown

	res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-late", 1000))
	assert.Equal(t, 500, res.Code)
	assert.Equal(t, "internal error, please retry later", res.Message)

	// the supplier accepted, so the order must stay settleable
	order := env.onlyOrder(t)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, 1, env.alerter.count(alert.CategoryOrderError))
	assert.False(t, env.leaseHeld(t, "M-late"))

	_, cached, err := env.store.Get(context.Background(), fmt.Sprintf("order:exists:%d:%s", testMerchant, "M-late"))
	require.NoError(t, err)
	assert.False(t, cached)

	paid, err := env.svc.ConfirmPayment(context.Background(), order.OrderNo, "TP1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, paid.Status)
	assert.Equal(t, "TP1", env.onlyOrder(t).ThirdPartyOrderNo)
}

func TestCreateOrderOutcomeSurvivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	accepting := &scriptedAdapter{pay: func(context.Context, *adapter.PayParams) (*adapter.PaymentResult, error) {
		// the merchant hangs up while the supplier answers
		cancel()
		return &adapter.PaymentResult{Success: true, ThirdPartyOrderNo: "TP9", PaymentURL: "https://pay.example/TP9", HTTPStatus: 200}, nil
	}}
	env := newOrderEnv(t, map[string]*scriptedAdapter{"ok": accepting})
	env.catalog.addChannel(1, 1, "A", "ok", 10, 0, 0)

	res := env.svc.CreateOrder(ctx, testMerchant, request("M-gone", 1000))
	require.Equal(t, 200, res.Code, res.Message)

	order := env.onlyOrder(t)
	assert.Equal(t, models.OrderStatusPaying, order.Status)
	assert.Equal(t, "TP9", order.ThirdPartyOrderNo)
	assert.False(t, env.leaseHeld(t, "M-gone"))

	paid, err := env.svc.ConfirmPayment(context.Background(), order.OrderNo, "TP9")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, paid.Status)
}

func TestCreateOrderExhaustionKeepsReasonValidUTF8(t *testing.T) {
	for pad := 0; pad < 3; pad++ {
		t.Run(fmt.Sprintf("pad_%d", pad), func(t *testing.T) {
			reason := strings.Repeat("x", 400+pad) + strings.Repeat("商户余额不足请稍后再试", 4)
			env := newOrderEnv(t, map[string]*scriptedAdapter{"x": failWithStatus(500, reason)})
			env.catalog.addChannel(1, 1, "A", "x", 10, 0, 0)

			res := env.svc.CreateOrder(context.Background(), testMerchant, request("M-cjk", 1000))
			assert.Equal(t, 502, res.Code, res.Message)

			order := env.onlyOrder(t)
			assert.Equal(t, models.OrderStatusFailed, order.Status)
			assert.True(t, utf8.ValidString(order.FailReason))
			assert.LessOrEqual(t, len(order.FailReason), 500)
		})
	}
}

func TestCreateOrderCachesProductMiss(t *testing.T) {
	env := newOrderEnv(t, nil)
	req := request("M-1", 1000)
	req.ProductCode = "NOPE"

	for i := 0; i < 3; i++ {
		req.MerchantOrderNo = fmt.Sprintf("M-%d", i)
		res := env.svc.CreateOrder(context.Background(), testMerchant, req)
		assert.Equal(t, KindProductNotFound, res.Kind)
	}
	assert.Equal(t, 1, env.catalog.productLookups())
}

func payingOrder(orderNo string) models.Order {
	return models.Order{
		OrderNo:           orderNo,
		MerchantID:        testMerchant,
		MerchantOrderNo:   "M-" + orderNo,
		Status:            models.OrderStatusPaying,
		Amount:            1000,
		ThirdPartyOrderNo: "TP-" + orderNo,
		ExpiresAt:         time.Now().Add(time.Hour),
	}
}

func TestConfirmPayment(t *testing.T) {
	env := newOrderEnv(t, nil)
	env.orders.put(payingOrder("P100"))

	order, err := env.svc.ConfirmPayment(context.Background(), "P100", "TP-P100")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, order.Status)
	assert.NotNil(t, order.PaidAt)
	assert.Equal(t, []string{models.EventTypeOrderPaid}, env.events.types())
	assert.Empty(t, env.notifier.enqueued)

	// repeated confirmations are harmless
	_, err = env.svc.ConfirmPayment(context.Background(), "P100", "TP-P100")
	require.NoError(t, err)
	assert.Len(t, env.events.types(), 1)
}

func TestConfirmPaymentEnqueuesWhenPublishFails(t *testing.T) {
	env := newOrderEnv(t, nil)
	env.orders.put(payingOrder("P101"))
	env.events.err = errors.New("broker down")

	_, err := env.svc.ConfirmPayment(context.Background(), "P101", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"P101"}, env.notifier.enqueued)
}

func TestConfirmPaymentRejects(t *testing.T) {
	env := newOrderEnv(t, nil)
	env.orders.put(payingOrder("P102"))
	closed := payingOrder("P103")
	closed.Status = models.OrderStatusClosed
	env.orders.put(closed)

	_, err := env.svc.ConfirmPayment(context.Background(), "missing", "")
	assert.Equal(t, KindOrderNotFound, KindOf(err))

	_, err = env.svc.ConfirmPayment(context.Background(), "P102", "TP-other")
	assert.Equal(t, KindInvalidParams, KindOf(err))

	_, err = env.svc.ConfirmPayment(context.Background(), "P103", "")
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestCloseExpiredOrders(t *testing.T) {
	env := newOrderEnv(t, nil)
	expired := payingOrder("P200")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	env.orders.put(expired)
	env.orders.put(payingOrder("P201"))

	closed, err := env.svc.CloseExpiredOrders(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	order, err := env.orders.GetOrderByOrderNo(context.Background(), "P200")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusClosed, order.Status)
	assert.Equal(t, []string{models.EventTypeOrderClosed}, env.events.types())
}

func TestRefundAndReissue(t *testing.T) {
	env := newOrderEnv(t, nil)
	paid := payingOrder("P300")
	paid.Status = models.OrderStatusSuccess
	env.orders.put(paid)
	failed := payingOrder("P301")
	failed.Status = models.OrderStatusFailed
	failed.FailReason = "all channels failed"
	env.orders.put(failed)

	order, err := env.svc.RefundOrder(context.Background(), "P300")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)

	_, err = env.svc.RefundOrder(context.Background(), "P300")
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	order, err = env.svc.ReissueOrder(context.Background(), "P301")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Empty(t, order.FailReason)

	_, err = env.svc.ReissueOrder(context.Background(), "P300")
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestGetOrderScopedToMerchant(t *testing.T) {
	env := newOrderEnv(t, nil)
	env.orders.put(payingOrder("P400"))

	order, err := env.svc.GetOrder(context.Background(), testMerchant, "P400")
	require.NoError(t, err)
	assert.Equal(t, "P400", order.OrderNo)

	_, err = env.svc.GetOrder(context.Background(), testMerchant+1, "P400")
	assert.Equal(t, KindOrderNotFound, KindOf(err))
}
