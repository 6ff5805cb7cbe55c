// Package payments charges customers through Stripe PaymentIntents.
package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/example/rider-dispatch/internal/models"
)

const DefaultCurrency = "inr"

var (
	ErrDisabled = errors.New("payments are not configured")
	ErrDeclined = errors.New("payment declined")
)

type ChargeRequest struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency,omitempty"`
	PaymentMethodID string `json:"payment_method_id"`
	OrderID         string `json:"order_id,omitempty"`
	UserID          string `json:"-"`
}

func (r ChargeRequest) Validate() error {
	if r.Amount <= 0 {
		return &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if r.PaymentMethodID == "" {
		return &models.ValidationError{Field: "payment_method_id", Reason: "required"}
	}
	return nil
}

type Charge struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Gateway charges a payment method in one step.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Charge, error)
}

// Disabled is used when no Stripe key is configured.
type Disabled struct{}

func (Disabled) Charge(context.Context, ChargeRequest) (*Charge, error) { return nil, ErrDisabled }

// StripeClient creates confirm-immediately PaymentIntents.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return &StripeClient{api: client.New(apiKey, nil)}
}

// NewStripeClientWithBackends points the client at custom backends (tests, stripe-mock).
func NewStripeClientWithBackends(apiKey string, backends *stripe.Backends) *StripeClient {
	return &StripeClient{api: client.New(apiKey, backends)}
}

func (s *StripeClient) Charge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.OrderID != "" {
		params.AddMetadata("order_id", req.OrderID)
	}
	if req.UserID != "" {
		params.AddMetadata("user_id", req.UserID)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return nil, fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
		}
		return nil, err
	}
	return &Charge{ID: pi.ID, Status: string(pi.Status), Amount: pi.Amount, Currency: string(pi.Currency)}, nil
}
