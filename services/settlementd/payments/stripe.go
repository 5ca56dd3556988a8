package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"prxswap/native/settlement"
)

const payoutTypeKey = "payout_type"

// Config configures the Stripe gateway.
type Config struct {
	SecretKey string
	Currency  string
	// BackendURL overrides the Stripe API base URL.
	BackendURL string
}

// Gateway implements settlement.PaymentGateway on Stripe payment intents.
// Errors never carry processor messages, which can echo payment method ids.
type Gateway struct {
	api      *client.API
	currency string
	logger   *slog.Logger
}

var _ settlement.PaymentGateway = (*Gateway)(nil)

// New builds a Stripe gateway.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("payments: secret key required")
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if url := strings.TrimSpace(cfg.BackendURL); url != "" {
		backendCfg.URL = stripe.String(url)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	api := client.New(key, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{api: api, currency: currency, logger: logger}, nil
}

// CreatePaymentIntent opens a card payment for usd, rounded up to the cent.
func (g *Gateway) CreatePaymentIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string) (settlement.Intent, error) {
	cents, err := PaymentCents(usd)
	if err != nil {
		return settlement.Intent{}, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(g.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return settlement.Intent{}, sanitize("create payment intent", err)
	}
	if pi.ClientSecret == "" {
		return settlement.Intent{}, fmt.Errorf("payments: processor returned no client secret for %s", pi.ID)
	}
	g.logger.Info("payment intent created", slog.String("intent_id", pi.ID), slog.Int64("cents", cents))
	return toIntent(pi), nil
}

// ConfirmPaymentIntent fetches the current state of a payment intent.
func (g *Gateway) ConfirmPaymentIntent(ctx context.Context, id string) (settlement.Intent, error) {
	return g.get(ctx, "retrieve payment intent", id)
}

// CreatePayoutIntent pays usd, rounded down to the cent, to the card. The
// card holder is looked up by email or created, and the payment method is
// attached before the intent is confirmed.
func (g *Gateway) CreatePayoutIntent(ctx context.Context, usd decimal.Decimal, metadata map[string]string, card settlement.CardDetails) (settlement.Intent, error) {
	cents, err := PayoutCents(usd)
	if err != nil {
		return settlement.Intent{}, err
	}
	if strings.TrimSpace(card.PaymentMethodID) == "" {
		return settlement.Intent{}, fmt.Errorf("payments: payment method required")
	}
	customerID, err := g.customerFor(ctx, card)
	if err != nil {
		return settlement.Intent{}, err
	}
	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attach.Context = ctx
	if _, err := g.api.PaymentMethods.Attach(card.PaymentMethodID, attach); err != nil {
		return settlement.Intent{}, sanitize("attach payment method", err)
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(cents),
		Currency:           stripe.String(g.currency),
		Customer:           stripe.String(customerID),
		PaymentMethod:      stripe.String(card.PaymentMethodID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodAutomatic)),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata(payoutTypeKey, "sell_crypto")
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return settlement.Intent{}, sanitize("create payout intent", err)
	}
	g.logger.Info("payout intent created",
		slog.String("intent_id", pi.ID),
		slog.Int64("cents", cents),
		slog.Any("card", card))
	return toIntent(pi), nil
}

// ConfirmPayoutIntent fetches the current state of a payout intent.
func (g *Gateway) ConfirmPayoutIntent(ctx context.Context, id string) (settlement.Intent, error) {
	return g.get(ctx, "retrieve payout intent", id)
}

func (g *Gateway) get(ctx context.Context, op, id string) (settlement.Intent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return settlement.Intent{}, fmt.Errorf("payments: intent id required")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return settlement.Intent{}, sanitize(op, err)
	}
	return toIntent(pi), nil
}

func (g *Gateway) customerFor(ctx context.Context, card settlement.CardDetails) (string, error) {
	email := strings.TrimSpace(card.Email)
	if email != "" {
		list := &stripe.CustomerListParams{Email: stripe.String(email)}
		list.Limit = stripe.Int64(1)
		list.Context = ctx
		iter := g.api.Customers.List(list)
		if iter.Next() {
			return iter.Customer().ID, nil
		}
		if err := iter.Err(); err != nil {
			return "", sanitize("list customers", err)
		}
	}
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	if name := strings.TrimSpace(card.Name); name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	customer, err := g.api.Customers.New(params)
	if err != nil {
		return "", sanitize("create customer", err)
	}
	return customer.ID, nil
}

func toIntent(pi *stripe.PaymentIntent) settlement.Intent {
	return settlement.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       mapStatus(pi.Status),
		Metadata:     pi.Metadata,
	}
}

func mapStatus(status stripe.PaymentIntentStatus) settlement.IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return settlement.StatusSucceeded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		return settlement.StatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		return settlement.StatusCanceled
	default:
		return settlement.IntentStatus(status)
	}
}

// sanitize keeps the processor's classification and drops its message.
func sanitize(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return fmt.Errorf("payments: %s: stripe %s/%s (status %d)", op, serr.Type, serr.Code, serr.HTTPStatusCode)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("payments: %s: %w", op, context.Canceled)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("payments: %s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("payments: %s: processor unreachable", op)
}
