package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// GatewayCode is the interface code of the generic JSON gateway adapter
const GatewayCode = "json_gateway"

// Gateway talks to suppliers exposing a signed JSON "create payment"
// endpoint. Required basic params: gateway_url, mch_id, secret.
type Gateway struct {
	client *http.Client
}

// NewGateway creates a gateway adapter on top of client
func NewGateway(client *http.Client) SupplierAdapter {
	return &Gateway{client: client}
}

type gatewayResponse struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
	TradeNo string `json:"trade_no"`
	PayURL  string `json:"pay_url"`
}

func (g *Gateway) Pay(ctx context.Context, params *PayParams) (*PaymentResult, error) {
	gatewayURL := params.BasicParams["gateway_url"]
	mchID := params.BasicParams["mch_id"]
	secret := params.BasicParams["secret"]
	if gatewayURL == "" || mchID == "" || secret == "" {
		return nil, NewConfigError("channel %d missing gateway_url/mch_id/secret", params.ChannelID)
	}
	if params.Amount <= 0 {
		return nil, &Error{Category: CategoryInvalidParams, Message: "amount must be positive"}
	}

	fields := map[string]string{
		"mch_id":       mchID,
		"out_trade_no": params.OrderNo,
		"amount":       fmt.Sprintf("%d", params.Amount),
		"pay_type":     params.PaymentMethod,
		"notify_url":   params.NotifyURL,
		"return_url":   params.ReturnURL,
		"client_ip":    params.ClientIP,
	}
	fields["sign"] = Sign(fields, secret)

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL, bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigError("invalid gateway_url: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return &PaymentResult{
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("gateway returned %d", resp.StatusCode),
		}, nil
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Category: CategoryBusiness, StatusCode: resp.StatusCode, Message: "unparseable gateway response"}
	}

	if parsed.Code != "0" && !strings.EqualFold(parsed.Code, "SUCCESS") {
		return &PaymentResult{
			HTTPStatus: resp.StatusCode,
			Code:       parsed.Code,
			Message:    parsed.Message,
		}, nil
	}

	return &PaymentResult{
		Success:           true,
		ThirdPartyOrderNo: parsed.TradeNo,
		PaymentURL:        parsed.PayURL,
		HTTPStatus:        resp.StatusCode,
		Code:              parsed.Code,
	}, nil
}

// Sign computes an HMAC-SHA256 over the non-empty fields sorted by key
func Sign(fields map[string]string, secret string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if k == "sign" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
