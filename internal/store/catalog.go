package store

import (
	"context"

	"payswitch/internal/models"
)

const merchantColumns = "id, name, enabled, api_key, secret, created_at"

// GetMerchant retrieves a merchant by ID, nil when absent
func (s *Store) GetMerchant(ctx context.Context, id int64) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.db.GetContext(ctx, &merchant, "SELECT "+merchantColumns+" FROM merchants WHERE id = $1", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// GetMerchantByAPIKey resolves the merchant calling the API
func (s *Store) GetMerchantByAPIKey(ctx context.Context, apiKey string) (*models.Merchant, error) {
	var merchant models.Merchant
	err := s.db.GetContext(ctx, &merchant, "SELECT "+merchantColumns+" FROM merchants WHERE api_key = $1", apiKey)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &merchant, nil
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT id, code, name, enabled FROM products WHERE id = $1", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductByCode retrieves a product by its merchant-facing code
func (s *Store) GetProductByCode(ctx context.Context, code string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT id, code, name, enabled FROM products WHERE code = $1", code)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetPaymentChannel retrieves a channel by ID
func (s *Store) GetPaymentChannel(ctx context.Context, id int64) (*models.PaymentChannel, error) {
	var channel models.PaymentChannel
	err := s.db.GetContext(ctx, &channel, `
		SELECT id, name, supplier_id, adapter_code, enabled, cost_rate,
		       min_amount, max_amount, payment_method, basic_params
		FROM payment_channels WHERE id = $1`, id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// GetSupplier retrieves a supplier by ID, including soft-deleted ones
func (s *Store) GetSupplier(ctx context.Context, id int64) (*models.Supplier, error) {
	var supplier models.Supplier
	err := s.db.GetContext(ctx, &supplier, "SELECT id, name, enabled, deleted FROM suppliers WHERE id = $1", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

// GetProductChannelLink retrieves the link between a product and a channel
func (s *Store) GetProductChannelLink(ctx context.Context, productID, channelID int64) (*models.ProductChannelLink, error) {
	var link models.ProductChannelLink
	err := s.db.GetContext(ctx, &link, `
		SELECT product_id, channel_id, enabled, weight, min_amount, max_amount
		FROM product_channels WHERE product_id = $1 AND channel_id = $2`, productID, channelID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// ListProductChannelLinks returns all links of a product, heaviest first
func (s *Store) ListProductChannelLinks(ctx context.Context, productID int64) ([]models.ProductChannelLink, error) {
	var links []models.ProductChannelLink
	err := s.db.SelectContext(ctx, &links, `
		SELECT product_id, channel_id, enabled, weight, min_amount, max_amount
		FROM product_channels WHERE product_id = $1
		ORDER BY weight DESC, channel_id ASC`, productID)
	return links, err
}
