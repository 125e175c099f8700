package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"payswitch/internal/adapter"
)

// ErrorKind tags an expected business outcome
type ErrorKind string

const (
	KindInvalidParams     ErrorKind = "invalid_params"
	KindMerchantNotFound  ErrorKind = "merchant_not_found"
	KindMerchantDisabled  ErrorKind = "merchant_disabled"
	KindProductNotFound   ErrorKind = "product_not_found"
	KindProductDisabled   ErrorKind = "product_disabled"
	KindChannelNotFound   ErrorKind = "channel_not_found"
	KindChannelDisabled   ErrorKind = "channel_disabled"
	KindSupplierDisabled  ErrorKind = "supplier_disabled"
	KindLinkDisabled      ErrorKind = "link_disabled"
	KindChannelMisconfig  ErrorKind = "channel_misconfigured"
	KindNoEligibleChannel ErrorKind = "no_eligible_channel"
	KindAmountOutOfRange  ErrorKind = "amount_out_of_range"
	KindDuplicateOrder    ErrorKind = "duplicate_order"
	KindOrderProcessing   ErrorKind = "order_processing"
	KindChannelExhausted  ErrorKind = "channel_exhausted"
	KindOrderNotFound     ErrorKind = "order_not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInternal          ErrorKind = "internal_error"
)

// BusinessError is an expected, typed failure. It is never a crash.
type BusinessError struct {
	Kind    ErrorKind
	Message string
	Details []string
}

func (e *BusinessError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Details, "; "))
}

func newBusinessError(kind ErrorKind, format string, args ...interface{}) *BusinessError {
	return &BusinessError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AttemptFailure describes one failed channel attempt
type AttemptFailure struct {
	ChannelID    int64            `json:"channel_id"`
	ChannelName  string           `json:"channel_name"`
	SupplierName string           `json:"supplier_name"`
	Category     adapter.Category `json:"category"`
	Reason       string           `json:"reason"`
	Latency      time.Duration    `json:"latency"`
}

func (f AttemptFailure) String() string {
	return fmt.Sprintf("channel %s (supplier %s) %s: %s", f.ChannelName, f.SupplierName, f.Category, f.Reason)
}

// ExhaustedError is raised when every candidate channel failed
type ExhaustedError struct {
	Failures []AttemptFailure
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		reasons[i] = f.String()
	}
	return fmt.Sprintf("all %d channels failed: %s", len(e.Failures), strings.Join(reasons, "; "))
}

// KindOf returns the business kind of err, or "" for unexpected errors
func KindOf(err error) ErrorKind {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Kind
	}
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return KindChannelExhausted
	}
	return ""
}

// StatusCode maps a kind to its HTTP-equivalent code
func StatusCode(kind ErrorKind) int {
	switch kind {
	case KindInvalidParams:
		return http.StatusBadRequest
	case KindMerchantNotFound, KindMerchantDisabled:
		return http.StatusForbidden
	case KindProductNotFound, KindOrderNotFound, KindChannelNotFound:
		return http.StatusNotFound
	case KindDuplicateOrder, KindOrderProcessing, KindInvalidTransition:
		return http.StatusConflict
	case KindProductDisabled, KindChannelDisabled, KindSupplierDisabled, KindLinkDisabled,
		KindChannelMisconfig, KindNoEligibleChannel, KindAmountOutOfRange:
		return http.StatusUnprocessableEntity
	case KindChannelExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
