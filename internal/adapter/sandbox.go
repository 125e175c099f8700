package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SandboxCode is the interface code of the in-process test supplier
const SandboxCode = "sandbox"

// Sandbox simulates a supplier. Behaviour is driven by channel basic params:
// success_rate (0..1, default 1), latency_ms (default 100).
type Sandbox struct {
	rng func() float64
}

// NewSandbox creates a sandbox adapter
func NewSandbox() SupplierAdapter {
	return &Sandbox{rng: rand.Float64}
}

func (s *Sandbox) Pay(ctx context.Context, params *PayParams) (*PaymentResult, error) {
	successRate := 1.0
	if v, ok := params.BasicParams["success_rate"]; ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, NewConfigError("sandbox success_rate %q: %v", v, err)
		}
		successRate = rate
	}

	latency := 100 * time.Millisecond
	if v, ok := params.BasicParams["latency_ms"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, NewConfigError("sandbox latency_ms %q: %v", v, err)
		}
		latency = time.Duration(ms) * time.Millisecond
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.rng() >= successRate {
		return &PaymentResult{
			Success:    false,
			HTTPStatus: 200,
			Code:       "DECLINED",
			Message:    "sandbox payment declined",
		}, nil
	}

	txID := fmt.Sprintf("SBX-%s", uuid.New().String()[:8])
	return &PaymentResult{
		Success:           true,
		ThirdPartyOrderNo: txID,
		PaymentURL:        fmt.Sprintf("https://sandbox.pay.local/checkout/%s", txID),
		HTTPStatus:        200,
	}, nil
}
