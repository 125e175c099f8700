package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"payswitch/internal/adapter"
	"payswitch/internal/alert"
	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

// Monitor receives supplier response observations
type Monitor interface {
	ObserveResponse(channelID int64, supplier string, latency time.Duration, success bool)
	RecordAnomaly(channelID int64, supplier, category string)
}

// OrderPayment is the order data handed to every adapter attempt
type OrderPayment struct {
	OrderNo         string
	MerchantOrderNo string
	ProductCode     string
	Amount          int64
	NotifyURL       string
	ReturnURL       string
	ClientIP        string
	TraceID         string
}

// ExecutionResult is a successful execution
type ExecutionResult struct {
	Channel  *models.ChannelDescriptor
	Result   *adapter.PaymentResult
	Fee      int64
	Failures []AttemptFailure
}

// Outcome converts the result into the values written back to the order
func (r *ExecutionResult) Outcome() *models.PaymentOutcome {
	return &models.PaymentOutcome{
		ChannelID:         r.Channel.ChannelID,
		PaymentMethod:     r.Channel.PaymentMethod,
		Fee:               r.Fee,
		ThirdPartyOrderNo: r.Result.ThirdPartyOrderNo,
		PaymentURL:        r.Result.PaymentURL,
	}
}

// PaymentExecutor tries channels in order until one succeeds
type PaymentExecutor struct {
	registry *adapter.Registry
	alerter  alert.Alerter
	monitor  Monitor
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPaymentExecutor creates an executor. timeout bounds every adapter call.
func NewPaymentExecutor(registry *adapter.Registry, alerter alert.Alerter, monitor Monitor, timeout time.Duration) *PaymentExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaymentExecutor{
		registry: registry,
		alerter:  alerter,
		monitor:  monitor,
		timeout:  timeout,
		logger:   util.GetLogger(),
	}
}

// ExecuteWithFallback calls the channels strictly one after another. It
// returns *ExhaustedError when none of them succeeded.
func (e *PaymentExecutor) ExecuteWithFallback(ctx context.Context, channels []*models.ChannelDescriptor, order *OrderPayment) (*ExecutionResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentExecutor.ExecuteWithFallback")
	defer span.End()

	if len(channels) == 0 {
		return nil, newBusinessError(KindNoEligibleChannel, "no channel to execute order %s", order.OrderNo)
	}

	var failures []AttemptFailure
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			failures = append(failures, AttemptFailure{
				ChannelID:    ch.ChannelID,
				ChannelName:  ch.ChannelName,
				SupplierName: ch.SupplierName,
				Category:     adapter.CategoryNetwork,
				Reason:       "not attempted: " + err.Error(),
			})
			continue
		}
		result, failure := e.attempt(ctx, ch, order)
		if failure == nil {
			e.logger.Info("Payment channel succeeded",
				zap.String("order_no", order.OrderNo),
				zap.Int64("channel_id", ch.ChannelID),
				zap.String("third_party_order_no", result.ThirdPartyOrderNo),
				zap.Int("failed_attempts", len(failures)))
			return &ExecutionResult{
				Channel:  ch,
				Result:   result,
				Fee:      ch.Fee(order.Amount),
				Failures: failures,
			}, nil
		}

		e.logger.Warn("Payment channel failed",
			zap.String("order_no", order.OrderNo),
			zap.Int64("channel_id", ch.ChannelID),
			zap.String("supplier", ch.SupplierName),
			zap.String("category", string(failure.Category)),
			zap.Duration("latency", failure.Latency),
			zap.String("reason", failure.Reason))
		failures = append(failures, *failure)
	}

	exhausted := &ExhaustedError{Failures: failures}
	e.alertExhausted(ctx, order, exhausted)
	return nil, exhausted
}

func (e *PaymentExecutor) attempt(ctx context.Context, ch *models.ChannelDescriptor, order *OrderPayment) (*adapter.PaymentResult, *AttemptFailure) {
	fail := func(category adapter.Category, reason string, latency time.Duration) *AttemptFailure {
		e.monitor.RecordAnomaly(ch.ChannelID, ch.SupplierName, string(category))
		return &AttemptFailure{
			ChannelID:    ch.ChannelID,
			ChannelName:  ch.ChannelName,
			SupplierName: ch.SupplierName,
			Category:     category,
			Reason:       reason,
			Latency:      latency,
		}
	}

	impl, err := e.registry.Resolve(ch.AdapterCode)
	if err != nil {
		e.alerter.Alert(ctx, alert.Alert{
			Category: alert.CategoryAdapterMissing,
			Title:    "Supplier adapter missing",
			Message:  err.Error(),
			Fields: map[string]string{
				"channel_id":   strconv.FormatInt(ch.ChannelID, 10),
				"channel_name": ch.ChannelName,
				"adapter_code": ch.AdapterCode,
			},
		})
		return nil, fail(adapter.CategoryConfig, err.Error(), 0)
	}

	params := &adapter.PayParams{
		OrderNo:         order.OrderNo,
		MerchantOrderNo: order.MerchantOrderNo,
		ProductCode:     order.ProductCode,
		PaymentMethod:   ch.PaymentMethod,
		Amount:          order.Amount,
		NotifyURL:       order.NotifyURL,
		ReturnURL:       order.ReturnURL,
		ClientIP:        order.ClientIP,
		TraceID:         order.TraceID,
		ChannelID:       ch.ChannelID,
		BasicParams:     ch.BasicParams,
	}

	start := time.Now()
	result, err := e.call(ctx, impl, params)
	latency := time.Since(start)
	e.monitor.ObserveResponse(ch.ChannelID, ch.SupplierName, latency, err == nil && result != nil && result.Success)

	if err != nil {
		category := adapter.ClassifyError(err)
		if category == adapter.CategoryConfig {
			e.alerter.Alert(ctx, alert.Alert{
				Category: alert.CategoryConfigError,
				Title:    "Channel misconfigured",
				Message:  err.Error(),
				Fields: map[string]string{
					"channel_id":   strconv.FormatInt(ch.ChannelID, 10),
					"channel_name": ch.ChannelName,
				},
			})
		}
		return nil, fail(category, err.Error(), latency)
	}
	if result == nil {
		return nil, fail(adapter.CategoryBusiness, "adapter returned no result", latency)
	}
	if !result.Success {
		reason := result.Message
		if result.Code != "" {
			reason = fmt.Sprintf("[%s] %s", result.Code, result.Message)
		}
		return nil, fail(adapter.ClassifyResult(result), reason, latency)
	}
	return result, nil
}

// call bounds the adapter with the executor timeout and turns a panic
// into an ordinary failure for this channel.
func (e *PaymentExecutor) call(ctx context.Context, impl adapter.SupplierAdapter, params *adapter.PayParams) (result *adapter.PaymentResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()

	result, err = impl.Pay(ctx, params)
	if err == nil && ctx.Err() != nil && (result == nil || !result.Success) {
		err = ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return result, err
}

func (e *PaymentExecutor) alertExhausted(ctx context.Context, order *OrderPayment, exhausted *ExhaustedError) {
	names := make([]string, len(exhausted.Failures))
	for i, f := range exhausted.Failures {
		names[i] = f.ChannelName
	}
	e.alerter.Alert(ctx, alert.Alert{
		Category: alert.CategoryChannelExhausted,
		Title:    "All payment channels failed",
		Message:  exhausted.Error(),
		Fields: map[string]string{
			"order_no": order.OrderNo,
			"amount":   strconv.FormatInt(order.Amount, 10),
			"channels": strings.Join(names, ","),
		},
	})
}
