package models

import (
	"errors"
	"fmt"
)

// Order statuses
const (
	OrderStatusPending  = "pending"
	OrderStatusPaying   = "paying"
	OrderStatusSuccess  = "success"
	OrderStatusFailed   = "failed"
	OrderStatusClosed   = "closed"
	OrderStatusRefunded = "refunded"
)

// ErrInvalidTransition is returned for any status change outside the table
var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrDuplicateOrder is returned when (merchant, merchant_order_no) already exists
var ErrDuplicateOrder = errors.New("duplicate merchant order")

// failed -> pending is only reachable through a manual reissue.
var orderTransitions = map[string][]string{
	OrderStatusPending: {OrderStatusPaying, OrderStatusFailed, OrderStatusClosed},
	OrderStatusPaying:  {OrderStatusSuccess, OrderStatusFailed, OrderStatusClosed},
	OrderStatusSuccess: {OrderStatusRefunded},
	OrderStatusFailed:  {OrderStatusPending},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with both states
func ValidateTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transition is possible
func IsTerminal(status string) bool {
	return len(orderTransitions[status]) == 0
}
