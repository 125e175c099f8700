package models

import "time"

// NotificationTask is a pending merchant callback. It lives only in the
// coordination store.
type NotificationTask struct {
	OrderNo    string    `json:"order_no"`
	MerchantID int64     `json:"merchant_id"`
	URL        string    `json:"url"`
	Method     string    `json:"method"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
	DueAt      time.Time `json:"due_at"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CircuitBreakerState is a point-in-time view of one merchant endpoint
type CircuitBreakerState struct {
	MerchantHash      string        `json:"merchant_hash"`
	Open              bool          `json:"open"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
	FailureCount      int64         `json:"failure_count"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	Slow              bool          `json:"slow"`
}

// QueueStats describes depth and lag of the delivery queues
type QueueStats struct {
	PendingDepth int64         `json:"pending_depth"`
	RetryDepth   int64         `json:"retry_depth"`
	DelayedDepth int64         `json:"delayed_depth"`
	PendingLag   time.Duration `json:"pending_lag"`
	RetryLag     time.Duration `json:"retry_lag"`
	DelayedLag   time.Duration `json:"delayed_lag"`
}
