package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category classifies a failed supplier call
type Category string

const (
	CategoryNotFound      Category = "not_found"
	CategoryClientError   Category = "client_error"
	CategoryServerError   Category = "server_error"
	CategoryNetwork       Category = "network"
	CategoryConfig        Category = "config"
	CategoryBusiness      Category = "business"
	CategoryInvalidParams Category = "invalid_params"
)

// Error is returned by adapters that already know how to categorize a failure
type Error struct {
	Category   Category
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewConfigError reports missing or malformed channel credentials
func NewConfigError(format string, args ...interface{}) *Error {
	return &Error{Category: CategoryConfig, Message: fmt.Sprintf(format, args...)}
}

// CategoryFromStatus maps an HTTP status to a category
func CategoryFromStatus(status int) Category {
	switch {
	case status == http.StatusNotFound:
		return CategoryNotFound
	case status >= 400 && status < 500:
		return CategoryClientError
	case status >= 500:
		return CategoryServerError
	default:
		return CategoryBusiness
	}
}

// ClassifyError categorizes an error raised by an adapter call
func ClassifyError(err error) Category {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		if adapterErr.Category != "" {
			return adapterErr.Category
		}
		return CategoryFromStatus(adapterErr.StatusCode)
	}
	if errors.Is(err, ErrAdapterNotFound) {
		return CategoryConfig
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryBusiness
}

// ClassifyResult categorizes a non-successful result
func ClassifyResult(result *PaymentResult) Category {
	if result == nil {
		return CategoryBusiness
	}
	return CategoryFromStatus(result.HTTPStatus)
}
