// Package adapter holds the supplier adapter contract and the registry that
// maps an interface code to its implementation.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAdapterNotFound is returned when no factory is registered for a code
var ErrAdapterNotFound = errors.New("supplier adapter not found")

// PayParams is the normalized input every adapter receives
type PayParams struct {
	OrderNo         string
	MerchantOrderNo string
	ProductCode     string
	PaymentMethod   string
	Amount          int64
	NotifyURL       string
	ReturnURL       string
	ClientIP        string
	TraceID         string
	ChannelID       int64
	BasicParams     map[string]string
}

// PaymentResult is the normalized adapter outcome
type PaymentResult struct {
	Success           bool
	ThirdPartyOrderNo string
	PaymentURL        string
	HTTPStatus        int
	Code              string
	Message           string
}

// SupplierAdapter executes a single payment call against one supplier
type SupplierAdapter interface {
	Pay(ctx context.Context, params *PayParams) (*PaymentResult, error)
}

// Factory builds an adapter instance
type Factory func() SupplierAdapter

// Registry maps interface codes to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds code to factory, replacing any previous binding
func (r *Registry) Register(code string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[code] = factory
}

// Resolve returns a fresh adapter for code
func (r *Registry) Resolve(code string) (SupplierAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[code]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, code)
	}
	return factory(), nil
}

// Codes lists registered interface codes in lexical order
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.factories))
	for code := range r.factories {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
