package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Merchant is a platform merchant. Read-only to the routing core.
type Merchant struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	APIKey    string    `db:"api_key" json:"-"`
	Secret    string    `db:"secret" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Product is a sellable payment product referenced by merchants via Code
type Product struct {
	ID      int64  `db:"id" json:"id"`
	Code    string `db:"code" json:"code"`
	Name    string `db:"name" json:"name"`
	Enabled bool   `db:"enabled" json:"enabled"`
}

// Supplier is an upstream payment provider
type Supplier struct {
	ID      int64  `db:"id" json:"id"`
	Name    string `db:"name" json:"name"`
	Enabled bool   `db:"enabled" json:"enabled"`
	Deleted bool   `db:"deleted" json:"deleted"`
}

// PaymentChannel is a configured route to one supplier interface
type PaymentChannel struct {
	ID            int64           `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	SupplierID    int64           `db:"supplier_id" json:"supplier_id"`
	AdapterCode   string          `db:"adapter_code" json:"adapter_code"`
	Enabled       bool            `db:"enabled" json:"enabled"`
	CostRate      decimal.Decimal `db:"cost_rate" json:"cost_rate"`
	MinAmount     int64           `db:"min_amount" json:"min_amount"`
	MaxAmount     int64           `db:"max_amount" json:"max_amount"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	BasicParams   json.RawMessage `db:"basic_params" json:"basic_params"`
}

// ProductChannelLink binds a product to a channel with a routing weight
type ProductChannelLink struct {
	ProductID int64  `db:"product_id" json:"product_id"`
	ChannelID int64  `db:"channel_id" json:"channel_id"`
	Enabled   bool   `db:"enabled" json:"enabled"`
	Weight    int    `db:"weight" json:"weight"`
	MinAmount *int64 `db:"min_amount" json:"min_amount,omitempty"`
	MaxAmount *int64 `db:"max_amount" json:"max_amount,omitempty"`
}

// ChannelDescriptor is a fully validated channel with everything the
// selector and the executor need.
type ChannelDescriptor struct {
	ChannelID     int64             `json:"channel_id"`
	ChannelName   string            `json:"channel_name"`
	SupplierID    int64             `json:"supplier_id"`
	SupplierName  string            `json:"supplier_name"`
	AdapterCode   string            `json:"adapter_code"`
	PaymentMethod string            `json:"payment_method"`
	Weight        int               `json:"weight"`
	CostRate      decimal.Decimal   `json:"cost_rate"`
	MinAmount     int64             `json:"min_amount"`
	MaxAmount     int64             `json:"max_amount"`
	BasicParams   map[string]string `json:"basic_params"`
}

// AcceptsAmount reports whether amount lies inside the channel bounds.
// MaxAmount 0 means unlimited.
func (c *ChannelDescriptor) AcceptsAmount(amount int64) bool {
	if amount < c.MinAmount {
		return false
	}
	return c.MaxAmount == 0 || amount <= c.MaxAmount
}

// Fee returns the channel cost for amount in minor units
func (c *ChannelDescriptor) Fee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(c.CostRate).Round(0).IntPart()
}

// Order represents a merchant payment order
type Order struct {
	ID                int64      `db:"id" json:"id"`
	OrderNo           string     `db:"order_no" json:"order_no"`
	MerchantID        int64      `db:"merchant_id" json:"merchant_id"`
	MerchantOrderNo   string     `db:"merchant_order_no" json:"merchant_order_no"`
	ProductID         int64      `db:"product_id" json:"product_id"`
	Status            string     `db:"status" json:"status"`
	Amount            int64      `db:"amount" json:"amount"`
	Fee               int64      `db:"fee" json:"fee"`
	ChannelID         int64      `db:"channel_id" json:"channel_id"`
	PaymentMethod     string     `db:"payment_method" json:"payment_method"`
	NotifyURL         string     `db:"notify_url" json:"notify_url"`
	ReturnURL         string     `db:"return_url" json:"return_url"`
	ClientIP          string     `db:"client_ip" json:"client_ip"`
	NotifyStatus      string     `db:"notify_status" json:"notify_status"`
	NotifyCount       int        `db:"notify_count" json:"notify_count"`
	TraceID           string     `db:"trace_id" json:"trace_id"`
	ThirdPartyOrderNo string     `db:"third_party_order_no" json:"third_party_order_no,omitempty"`
	PaymentURL        string     `db:"payment_url" json:"payment_url,omitempty"`
	FailReason        string     `db:"fail_reason" json:"fail_reason,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	PaidAt            *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
}

// PaymentOutcome is what the orchestrator writes back after the executor
// found a working channel.
type PaymentOutcome struct {
	ChannelID         int64
	PaymentMethod     string
	Fee               int64
	ThirdPartyOrderNo string
	PaymentURL        string
}

// NotifyLog records a single delivery attempt to a merchant endpoint
type NotifyLog struct {
	ID           int64     `db:"id" json:"id"`
	OrderNo      string    `db:"order_no" json:"order_no"`
	URL          string    `db:"url" json:"url"`
	Attempt      int       `db:"attempt" json:"attempt"`
	HTTPStatus   int       `db:"http_status" json:"http_status"`
	ResponseBody string    `db:"response_body" json:"response_body"`
	LatencyMs    int64     `db:"latency_ms" json:"latency_ms"`
	Success      bool      `db:"success" json:"success"`
	Error        string    `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Notify statuses
const (
	NotifyStatusNone     = "none"
	NotifyStatusQueued   = "queued"
	NotifyStatusRetrying = "retrying"
	NotifyStatusSuccess  = "success"
	NotifyStatusFailed   = "failed"
)
