package store

import (
	"context"
	"fmt"
	"time"

	"payswitch/internal/models"

	"github.com/lib/pq"
)

const orderColumns = `id, order_no, merchant_id, merchant_order_no, product_id, status, amount, fee,
	channel_id, payment_method, notify_url, return_url, client_ip, notify_status, notify_count,
	trace_id, third_party_order_no, payment_url, fail_reason, created_at, updated_at, paid_at, expires_at`

// ExistsByMerchantOrderNo checks the merchant-scoped uniqueness key
func (s *Store) ExistsByMerchantOrderNo(ctx context.Context, merchantID int64, merchantOrderNo string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE merchant_id = $1 AND merchant_order_no = $2)",
		merchantID, merchantOrderNo)
	return exists, err
}

// CreateOrder inserts a provisional order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_no, merchant_id, merchant_order_no, product_id, status, amount, fee,
			channel_id, payment_method, notify_url, return_url, client_ip, notify_status, notify_count,
			trace_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.OrderNo, order.MerchantID, order.MerchantOrderNo, order.ProductID, order.Status,
		order.Amount, order.Fee, order.ChannelID, order.PaymentMethod, order.NotifyURL,
		order.ReturnURL, order.ClientIP, order.NotifyStatus, order.NotifyCount, order.TraceID,
		order.ExpiresAt,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ErrDuplicateOrder
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// DeleteOrder removes a provisional order that never reached a supplier
func (s *Store) DeleteOrder(ctx context.Context, orderNo string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM orders WHERE order_no = $1 AND status = $2",
		orderNo, models.OrderStatusPending)
	return err
}

// GetOrderByOrderNo retrieves an order by platform order number
func (s *Store) GetOrderByOrderNo(ctx context.Context, orderNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_no = $1", orderNo)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ApplyPaymentOutcome records the winning channel and moves pending to paying
func (s *Store) ApplyPaymentOutcome(ctx context.Context, orderNo string, outcome *models.PaymentOutcome) (bool, error) {
	return affected(s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, channel_id = $2, payment_method = $3, fee = $4,
		    third_party_order_no = $5, payment_url = $6, updated_at = NOW()
		WHERE order_no = $7 AND status = $8`,
		models.OrderStatusPaying, outcome.ChannelID, outcome.PaymentMethod, outcome.Fee,
		outcome.ThirdPartyOrderNo, outcome.PaymentURL, orderNo, models.OrderStatusPending))
}

// MarkOrderFailed moves a pending or paying order to failed
func (s *Store) MarkOrderFailed(ctx context.Context, orderNo, reason string) (bool, error) {
	return affected(s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, fail_reason = $2, updated_at = NOW()
		WHERE order_no = $3 AND status IN ($4, $5)`,
		models.OrderStatusFailed, reason, orderNo, models.OrderStatusPending, models.OrderStatusPaying))
}

// MarkOrderPaid moves a paying order to success
func (s *Store) MarkOrderPaid(ctx context.Context, orderNo, thirdPartyOrderNo string, paidAt time.Time) (bool, error) {
	return affected(s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, paid_at = $2,
		    third_party_order_no = COALESCE(NULLIF($3, ''), third_party_order_no), updated_at = NOW()
		WHERE order_no = $4 AND status = $5`,
		models.OrderStatusSuccess, paidAt, thirdPartyOrderNo, orderNo, models.OrderStatusPaying))
}

// TransitionStatus performs a guarded status change
func (s *Store) TransitionStatus(ctx context.Context, orderNo, from, to string) (bool, error) {
	if err := models.ValidateTransition(from, to); err != nil {
		return false, err
	}
	return affected(s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE order_no = $2 AND status = $3",
		to, orderNo, from))
}

// ReopenOrder moves a failed order back to pending with a new expiry
func (s *Store) ReopenOrder(ctx context.Context, orderNo string, expiresAt time.Time) (bool, error) {
	return affected(s.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, fail_reason = '', expires_at = $2, updated_at = NOW()
		WHERE order_no = $3 AND status = $4`,
		models.OrderStatusPending, expiresAt, orderNo, models.OrderStatusFailed))
}

// ListExpiredOrders returns unpaid orders past their expiry
func (s *Store) ListExpiredOrders(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, "SELECT "+orderColumns+` FROM orders
		WHERE status IN ($1, $2) AND expires_at < $3
		ORDER BY expires_at ASC LIMIT $4`,
		models.OrderStatusPending, models.OrderStatusPaying, now, limit)
	return orders, err
}

// UpdateNotifyStatus records the merchant notification state of an order
func (s *Store) UpdateNotifyStatus(ctx context.Context, orderNo, status string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET notify_status = $1, notify_count = $2, updated_at = NOW() WHERE order_no = $3",
		status, attempts, orderNo)
	return err
}

// ListUnnotifiedOrders returns paid orders in one of notifyStatuses paid before paidBefore
func (s *Store) ListUnnotifiedOrders(ctx context.Context, notifyStatuses []string, paidBefore time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, "SELECT "+orderColumns+` FROM orders
		WHERE status = $1 AND notify_status = ANY($2) AND paid_at < $3
		ORDER BY paid_at ASC LIMIT $4`,
		models.OrderStatusSuccess, pq.Array(notifyStatuses), paidBefore, limit)
	return orders, err
}

// InsertNotifyLog appends one delivery attempt
func (s *Store) InsertNotifyLog(ctx context.Context, log *models.NotifyLog) error {
	query := `
		INSERT INTO notify_logs (order_no, url, attempt, http_status, response_body, latency_ms, success, error)
		VALUES (:order_no, :url, :attempt, :http_status, :response_body, :latency_ms, :success, :error)`
	_, err := s.db.NamedExecContext(ctx, query, log)
	return err
}

// ListNotifyLogs returns the delivery history of an order, oldest first
func (s *Store) ListNotifyLogs(ctx context.Context, orderNo string) ([]models.NotifyLog, error) {
	var logs []models.NotifyLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, order_no, url, attempt, http_status, response_body, latency_ms, success, error, created_at
		FROM notify_logs WHERE order_no = $1 ORDER BY id ASC`, orderNo)
	return logs, err
}
