package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"payswitch/internal/models"
	"payswitch/internal/notify"
	"payswitch/internal/service"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ service.CatalogRepository = (*Store)(nil)
	_ service.OrderRepository   = (*Store)(nil)
	_ notify.Repository         = (*Store)(nil)
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("Integration test - requires database")
	}
	s, err := NewStore(dsn, PoolConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func seedOrder(t *testing.T, s *Store, merchantOrderNo string) *models.Order {
	t.Helper()
	ctx := context.Background()

	var merchantID, productID int64
	require.NoError(t, s.db.GetContext(ctx, &merchantID, `
		INSERT INTO merchants (name, api_key, secret) VALUES ('m', $1, 's')
		RETURNING id`, "key-"+merchantOrderNo))
	require.NoError(t, s.db.GetContext(ctx, &productID, `
		INSERT INTO products (code, name) VALUES ($1, 'p') RETURNING id`, "code-"+merchantOrderNo))

	order := &models.Order{
		OrderNo:         "P" + merchantOrderNo,
		MerchantID:      merchantID,
		MerchantOrderNo: merchantOrderNo,
		ProductID:       productID,
		Status:          models.OrderStatusPending,
		Amount:          1000,
		NotifyURL:       "https://merchant.example/notify",
		NotifyStatus:    models.NotifyStatusNone,
		ExpiresAt:       time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, s.CreateOrder(ctx, order))
	return order
}

func TestCreateOrderDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	order := seedOrder(t, s, suffix)
	assert.NotZero(t, order.ID)

	dup := *order
	dup.OrderNo = "Q" + suffix
	assert.ErrorIs(t, s.CreateOrder(ctx, &dup), models.ErrDuplicateOrder)

	exists, err := s.ExistsByMerchantOrderNo(ctx, order.MerchantID, order.MerchantOrderNo)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	order := seedOrder(t, s, fmt.Sprintf("%d", time.Now().UnixNano()))

	ok, err := s.ApplyPaymentOutcome(ctx, order.OrderNo, &models.PaymentOutcome{
		ChannelID: 0, Fee: 6, ThirdPartyOrderNo: "TP1", PaymentURL: "https://pay.example/TP1",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// already paying
	ok, err = s.ApplyPaymentOutcome(ctx, order.OrderNo, &models.PaymentOutcome{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.MarkOrderPaid(ctx, order.OrderNo, "", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetOrderByOrderNo(ctx, order.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSuccess, got.Status)
	assert.Equal(t, "TP1", got.ThirdPartyOrderNo)
	assert.NotNil(t, got.PaidAt)

	require.NoError(t, s.UpdateNotifyStatus(ctx, order.OrderNo, models.NotifyStatusRetrying, 2))
	require.NoError(t, s.InsertNotifyLog(ctx, &models.NotifyLog{OrderNo: order.OrderNo, URL: order.NotifyURL, Attempt: 1, HTTPStatus: 500}))

	logs, err := s.ListNotifyLogs(ctx, order.OrderNo)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	pending, err := s.ListUnnotifiedOrders(ctx, []string{models.NotifyStatusRetrying}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
}
