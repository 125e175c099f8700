package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payswitch/internal/adapter"
	"payswitch/internal/alert"
	"payswitch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(id int64, name, code string) *models.ChannelDescriptor {
	return &models.ChannelDescriptor{
		ChannelID:    id,
		ChannelName:  name,
		SupplierName: name + "-supplier",
		AdapterCode:  code,
		Weight:       10,
		CostRate:     decimal.RequireFromString("0.006"),
	}
}

func TestExecuteExhaustsAllChannelsInOrder(t *testing.T) {
	a := failWithStatus(500, "upstream down")
	b := failWithStatus(404, "no such api")
	c := &scriptedAdapter{pay: func(context.Context, *adapter.PayParams) (*adapter.PaymentResult, error) {
		return nil, errors.New("signature rejected")
	}}
	alerter := &recordingAlerter{}
	monitor := &nopMonitor{}
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"a": a, "b": b, "c": c}), alerter, monitor, time.Second)

	channels := []*models.ChannelDescriptor{
		descriptor(1, "alpha", "a"),
		descriptor(2, "bravo", "b"),
		descriptor(3, "charlie", "c"),
	}
	result, err := exec.ExecuteWithFallback(context.Background(), channels, &OrderPayment{OrderNo: "P1", Amount: 1000})
	assert.Nil(t, result)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Failures, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{exhausted.Failures[0].ChannelID, exhausted.Failures[1].ChannelID, exhausted.Failures[2].ChannelID})
	assert.Equal(t, adapter.CategoryServerError, exhausted.Failures[0].Category)
	assert.Equal(t, adapter.CategoryNotFound, exhausted.Failures[1].Category)
	assert.Equal(t, adapter.CategoryBusiness, exhausted.Failures[2].Category)

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		assert.Contains(t, err.Error(), name)
	}
	assert.Equal(t, KindChannelExhausted, KindOf(err))
	assert.Equal(t, 1, alerter.count(alert.CategoryChannelExhausted))
	assert.Equal(t, 3, monitor.observed)
	assert.Len(t, monitor.anomalies, 3)
}

func TestExecuteFallsBackAfterTimeout(t *testing.T) {
	slow := blockUntilDone()
	ok := succeedWith("TP123")
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"slow": slow, "ok": ok}), &recordingAlerter{}, &nopMonitor{}, 50*time.Millisecond)

	channels := []*models.ChannelDescriptor{descriptor(1, "A", "slow"), descriptor(2, "B", "ok")}
	result, err := exec.ExecuteWithFallback(context.Background(), channels, &OrderPayment{OrderNo: "P2", Amount: 50000})
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Channel.ChannelID)
	assert.Equal(t, "TP123", result.Result.ThirdPartyOrderNo)
	assert.Equal(t, int64(300), result.Fee)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, adapter.CategoryNetwork, result.Failures[0].Category)
	assert.GreaterOrEqual(t, result.Failures[0].Latency, 50*time.Millisecond)

	outcome := result.Outcome()
	assert.Equal(t, int64(2), outcome.ChannelID)
	assert.Equal(t, "https://pay.example/TP123", outcome.PaymentURL)
}

func TestExecuteStopsAtFirstSuccess(t *testing.T) {
	first := succeedWith("TP1")
	second := succeedWith("TP2")
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"one": first, "two": second}), &recordingAlerter{}, &nopMonitor{}, time.Second)

	result, err := exec.ExecuteWithFallback(context.Background(),
		[]*models.ChannelDescriptor{descriptor(1, "one", "one"), descriptor(2, "two", "two")},
		&OrderPayment{OrderNo: "P3", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "TP1", result.Result.ThirdPartyOrderNo)
	assert.Equal(t, 0, second.callCount())
}

func TestExecuteMissingAdapterAlertsAndContinues(t *testing.T) {
	ok := succeedWith("TP9")
	alerter := &recordingAlerter{}
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"ok": ok}), alerter, &nopMonitor{}, time.Second)

	result, err := exec.ExecuteWithFallback(context.Background(),
		[]*models.ChannelDescriptor{descriptor(1, "ghost", "nope"), descriptor(2, "real", "ok")},
		&OrderPayment{OrderNo: "P4", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Channel.ChannelID)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, adapter.CategoryConfig, result.Failures[0].Category)
	assert.Equal(t, 1, alerter.count(alert.CategoryAdapterMissing))
}

func TestExecuteConfigErrorAlerts(t *testing.T) {
	bad := &scriptedAdapter{pay: func(context.Context, *adapter.PayParams) (*adapter.PaymentResult, error) {
		return nil, adapter.NewConfigError("missing secret")
	}}
	alerter := &recordingAlerter{}
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"bad": bad}), alerter, &nopMonitor{}, time.Second)

	_, err := exec.ExecuteWithFallback(context.Background(),
		[]*models.ChannelDescriptor{descriptor(1, "bad", "bad")},
		&OrderPayment{OrderNo: "P5", Amount: 100})
	assert.Equal(t, KindChannelExhausted, KindOf(err))
	assert.Equal(t, 1, alerter.count(alert.CategoryConfigError))
	assert.Equal(t, 1, alerter.count(alert.CategoryChannelExhausted))
}

func TestExecuteRecoversAdapterPanic(t *testing.T) {
	boom := &scriptedAdapter{pay: func(context.Context, *adapter.PayParams) (*adapter.PaymentResult, error) {
		panic("nil map")
	}}
	ok := succeedWith("TP7")
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"boom": boom, "ok": ok}), &recordingAlerter{}, &nopMonitor{}, time.Second)

	result, err := exec.ExecuteWithFallback(context.Background(),
		[]*models.ChannelDescriptor{descriptor(1, "boom", "boom"), descriptor(2, "ok", "ok")},
		&OrderPayment{OrderNo: "P6", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "TP7", result.Result.ThirdPartyOrderNo)
	assert.Contains(t, result.Failures[0].Reason, "adapter panic")
}

func TestExecuteNoChannels(t *testing.T) {
	exec := NewPaymentExecutor(adapter.NewRegistry(), &recordingAlerter{}, &nopMonitor{}, time.Second)
	_, err := exec.ExecuteWithFallback(context.Background(), nil, &OrderPayment{OrderNo: "P7"})
	assert.Equal(t, KindNoEligibleChannel, KindOf(err))
}

func TestExecuteSkipsChannelsOnceBudgetSpent(t *testing.T) {
	a := succeedWith("TP1")
	b := succeedWith("TP2")
	exec := NewPaymentExecutor(registryWith(map[string]*scriptedAdapter{"a": a, "b": b}), &recordingAlerter{}, &nopMonitor{}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	_, err := exec.ExecuteWithFallback(ctx,
		[]*models.ChannelDescriptor{descriptor(1, "a", "a"), descriptor(2, "b", "b")},
		&OrderPayment{OrderNo: "P8", Amount: 100})

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Len(t, exhausted.Failures, 2)
	assert.Contains(t, exhausted.Failures[1].Reason, "not attempted")
	assert.Zero(t, a.callCount())
	assert.Zero(t, b.callCount())
}
