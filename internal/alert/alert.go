// Package alert delivers operator alerts. Delivery is fire-and-forget and
// rate limited per category, except for critical categories.
package alert

import (
	"context"
	"sync"
	"time"

	"payswitch/internal/util"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Category groups alerts for rate limiting
type Category string

const (
	CategoryNoEligibleChannel Category = "no_eligible_channel"
	CategoryChannelExhausted  Category = "channel_exhausted"
	CategoryAdapterMissing    Category = "adapter_missing"
	CategoryConfigError       Category = "config_error"
	CategoryOrderError        Category = "order_error"
	CategoryNotifyFailed      Category = "notify_failed"
	CategoryCircuitOpen       Category = "circuit_open"
)

// criticalCategories always bypass rate limiting
var criticalCategories = map[Category]bool{
	CategoryAdapterMissing: true,
	CategoryConfigError:    true,
	CategoryOrderError:     true,
}

// IsCritical reports whether c bypasses rate limiting
func IsCritical(c Category) bool {
	return criticalCategories[c]
}

// Alert is a single operator notification
type Alert struct {
	Category Category          `json:"category"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Alerter is what the core depends on
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// Sink delivers an alert somewhere outside the process
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Dispatcher fans alerts out to sinks without blocking the caller
type Dispatcher struct {
	sinks   []Sink
	limit   rate.Limit
	burst   int
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	limiters map[Category]*rate.Limiter
	wg       sync.WaitGroup
}

// NewDispatcher allows perMinute alerts per category with the given burst
func NewDispatcher(perMinute float64, burst int, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:    sinks,
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		timeout:  5 * time.Second,
		logger:   util.GetLogger(),
		limiters: make(map[Category]*rate.Limiter),
	}
}

func (d *Dispatcher) limiter(c Category) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[c]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[c] = l
	}
	return l
}

// Alert delivers asynchronously and drops alerts whose category is over budget
func (d *Dispatcher) Alert(_ context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	if !IsCritical(a.Category) && !d.limiter(a.Category).Allow() {
		util.AlertsTotal.WithLabelValues(string(a.Category), "rate_limited").Inc()
		d.logger.Debug("Alert rate limited", zap.String("category", string(a.Category)))
		return
	}
	util.AlertsTotal.WithLabelValues(string(a.Category), "sent").Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		for _, sink := range d.sinks {
			if err := sink.Send(ctx, a); err != nil {
				d.logger.Warn("Alert sink failed",
					zap.String("category", string(a.Category)),
					zap.Error(err))
			}
		}
	}()
}

// Wait blocks until in-flight alerts are delivered
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
