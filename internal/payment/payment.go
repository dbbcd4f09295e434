package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// Confirmer is the payment collaborator. The ledger only applies a
// recharge after Confirm reports the charged amount.
type Confirmer interface {
	Confirm(ctx context.Context, tenant string, amount decimal.Decimal, methodRef string) (decimal.Decimal, error)
}

// Client confirms recharges against the payment service's HTTP API.
type Client struct {
	http *resty.Client
}

// NewClient creates a payment client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("User-Agent", "smsync/1.0"),
	}
}

type confirmRequest struct {
	Tenant    string `json:"tenant"`
	Amount    string `json:"amount"`
	MethodRef string `json:"payment_method_reference"`
}

type confirmResponse struct {
	ConfirmedAmount string `json:"confirmed_amount"`
	Error           string `json:"error,omitempty"`
}

// Confirm charges the tenant's payment method and returns the confirmed
// amount.
func (c *Client) Confirm(ctx context.Context, tenant string, amount decimal.Decimal, methodRef string) (decimal.Decimal, error) {
	var out confirmResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(confirmRequest{Tenant: tenant, Amount: amount.String(), MethodRef: methodRef}).
		SetResult(&out).
		Post("/v1/charges")
	if err != nil {
		return decimal.Zero, fmt.Errorf("confirm payment: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("payment service returned %s: %s", resp.Status(), out.Error)
	}
	confirmed, err := decimal.NewFromString(out.ConfirmedAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad confirmed amount %q: %w", out.ConfirmedAmount, err)
	}
	return confirmed, nil
}
