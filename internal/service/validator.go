package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

// CatalogRepository reads merchant, product and channel configuration.
// Lookups return nil, nil when the row does not exist.
type CatalogRepository interface {
	GetMerchant(ctx context.Context, id int64) (*models.Merchant, error)
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductByCode(ctx context.Context, code string) (*models.Product, error)
	GetPaymentChannel(ctx context.Context, id int64) (*models.PaymentChannel, error)
	GetSupplier(ctx context.Context, id int64) (*models.Supplier, error)
	GetProductChannelLink(ctx context.Context, productID, channelID int64) (*models.ProductChannelLink, error)
	// ListProductChannelLinks orders by weight desc, then channel id asc
	ListProductChannelLinks(ctx context.Context, productID int64) ([]models.ProductChannelLink, error)
}

// ChannelRejection is a channel that failed validation and why
type ChannelRejection struct {
	ChannelID int64     `json:"channel_id"`
	Kind      ErrorKind `json:"kind"`
	Reason    string    `json:"reason"`
}

// ChannelValidator walks Product -> ProductChannelLink -> PaymentChannel -> Supplier
type ChannelValidator struct {
	catalog CatalogRepository
	logger  *zap.Logger
}

// NewChannelValidator creates a new channel validator
func NewChannelValidator(catalog CatalogRepository) *ChannelValidator {
	return &ChannelValidator{
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// ValidateChannel checks every link of the eligibility chain for one channel
func (v *ChannelValidator) ValidateChannel(ctx context.Context, productID, channelID int64) (*models.ChannelDescriptor, error) {
	if err := v.checkProduct(ctx, productID); err != nil {
		return nil, err
	}
	return v.validateLinkedChannel(ctx, productID, channelID)
}

func (v *ChannelValidator) validateLinkedChannel(ctx context.Context, productID, channelID int64) (*models.ChannelDescriptor, error) {
	channel, supplier, err := v.checkChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	link, err := v.checkLink(ctx, productID, channelID)
	if err != nil {
		return nil, err
	}

	params, err := decodeBasicParams(channel.BasicParams)
	if err != nil {
		return nil, newBusinessError(KindChannelMisconfig, "channel %d basic params: %v", channelID, err)
	}

	desc := &models.ChannelDescriptor{
		ChannelID:     channel.ID,
		ChannelName:   channel.Name,
		SupplierID:    supplier.ID,
		SupplierName:  supplier.Name,
		AdapterCode:   channel.AdapterCode,
		PaymentMethod: channel.PaymentMethod,
		Weight:        link.Weight,
		CostRate:      channel.CostRate,
		MinAmount:     channel.MinAmount,
		MaxAmount:     channel.MaxAmount,
		BasicParams:   params,
	}
	if link.MinAmount != nil {
		desc.MinAmount = *link.MinAmount
	}
	if link.MaxAmount != nil {
		desc.MaxAmount = *link.MaxAmount
	}
	return desc, nil
}

func (v *ChannelValidator) checkProduct(ctx context.Context, productID int64) error {
	product, err := v.catalog.GetProductByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("failed to load product %d: %w", productID, err)
	}
	if product == nil {
		return newBusinessError(KindProductNotFound, "product %d not found", productID)
	}
	if !product.Enabled {
		return newBusinessError(KindProductDisabled, "product %d disabled", productID)
	}
	return nil
}

func (v *ChannelValidator) checkChannel(ctx context.Context, channelID int64) (*models.PaymentChannel, *models.Supplier, error) {
	channel, err := v.catalog.GetPaymentChannel(ctx, channelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load channel %d: %w", channelID, err)
	}
	if channel == nil {
		return nil, nil, newBusinessError(KindChannelNotFound, "channel %d not found", channelID)
	}
	if !channel.Enabled {
		return nil, nil, newBusinessError(KindChannelDisabled, "channel %d disabled", channelID)
	}

	supplier, err := v.catalog.GetSupplier(ctx, channel.SupplierID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load supplier %d: %w", channel.SupplierID, err)
	}
	if supplier == nil || supplier.Deleted {
		return nil, nil, newBusinessError(KindSupplierDisabled, "supplier %d of channel %d deleted", channel.SupplierID, channelID)
	}
	if !supplier.Enabled {
		return nil, nil, newBusinessError(KindSupplierDisabled, "supplier %d of channel %d disabled", channel.SupplierID, channelID)
	}
	return channel, supplier, nil
}

func (v *ChannelValidator) checkLink(ctx context.Context, productID, channelID int64) (*models.ProductChannelLink, error) {
	link, err := v.catalog.GetProductChannelLink(ctx, productID, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load link %d/%d: %w", productID, channelID, err)
	}
	if link == nil {
		return nil, newBusinessError(KindLinkDisabled, "channel %d not linked to product %d", channelID, productID)
	}
	if !link.Enabled {
		return nil, newBusinessError(KindLinkDisabled, "link product %d -> channel %d disabled", productID, channelID)
	}
	return link, nil
}

// GetEligibleChannels returns every linked channel that passes validation,
// in weight desc / channel id asc order. An empty result is an error.
func (v *ChannelValidator) GetEligibleChannels(ctx context.Context, productID int64) ([]*models.ChannelDescriptor, error) {
	links, err := v.catalog.ListProductChannelLinks(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels of product %d: %w", productID, err)
	}

	ids := make([]int64, len(links))
	for i, l := range links {
		ids[i] = l.ChannelID
	}

	valid, rejected, err := v.validate(ctx, productID, ids)
	if err != nil {
		return nil, err
	}
	if len(valid) == 0 {
		return nil, noEligibleChannel(productID, rejected)
	}
	return valid, nil
}

// ValidateChannels validates an explicit channel list. It fails only when
// every channel fails; partial rejections are returned alongside.
func (v *ChannelValidator) ValidateChannels(ctx context.Context, productID int64, channelIDs []int64) ([]*models.ChannelDescriptor, []ChannelRejection, error) {
	valid, rejected, err := v.validate(ctx, productID, channelIDs)
	if err != nil {
		return nil, nil, err
	}
	if len(valid) == 0 {
		return nil, rejected, noEligibleChannel(productID, rejected)
	}
	return valid, rejected, nil
}

func (v *ChannelValidator) validate(ctx context.Context, productID int64, channelIDs []int64) ([]*models.ChannelDescriptor, []ChannelRejection, error) {
	var (
		valid    []*models.ChannelDescriptor
		rejected []ChannelRejection
	)

	// a disabled product rejects every channel with the same reason
	if err := v.checkProduct(ctx, productID); err != nil {
		var be *BusinessError
		if !errors.As(err, &be) {
			return nil, nil, err
		}
		for _, id := range channelIDs {
			rejected = append(rejected, ChannelRejection{ChannelID: id, Kind: be.Kind, Reason: be.Message})
		}
		return nil, rejected, nil
	}

	for _, id := range channelIDs {
		desc, err := v.validateLinkedChannel(ctx, productID, id)
		if err != nil {
			var be *BusinessError
			if !errors.As(err, &be) {
				return nil, nil, err
			}
			v.logger.Debug("Channel rejected",
				zap.Int64("product_id", productID),
				zap.Int64("channel_id", id),
				zap.String("reason", be.Message))
			rejected = append(rejected, ChannelRejection{ChannelID: id, Kind: be.Kind, Reason: be.Message})
			continue
		}
		valid = append(valid, desc)
	}
	return valid, rejected, nil
}

func noEligibleChannel(productID int64, rejected []ChannelRejection) *BusinessError {
	be := newBusinessError(KindNoEligibleChannel, "no eligible channel for product %d", productID)
	for _, r := range rejected {
		be.Details = append(be.Details, fmt.Sprintf("channel %d: %s", r.ChannelID, r.Reason))
	}
	return be
}

// decodeBasicParams flattens the channel's JSON params into strings
func decodeBasicParams(raw json.RawMessage) (map[string]string, error) {
	params := make(map[string]string)
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	for k, val := range decoded {
		switch t := val.(type) {
		case string:
			params[k] = t
		case float64:
			params[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(t)
		case nil:
		default:
			nested, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			params[k] = string(nested)
		}
	}
	return params, nil
}
