package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"cohortengine/pkg/circuitbreaker"
	"cohortengine/pkg/metrics"
	"cohortengine/pkg/otel"
)

type StripeConfig struct {
	SecretKey string
	// BackendURL overrides api.stripe.com; used by stripe-mock and tests.
	BackendURL string
	Timeout    time.Duration
}

// StripeProcessor holds its own API client. Nothing touches the package-level stripe.Key.
type StripeProcessor struct {
	api     *client.API
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Processor = (*StripeProcessor)(nil)

func NewStripeProcessor(cfg StripeConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *StripeProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BackendURL, "/"))
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, backends)

	if breaker == nil {
		breaker = circuitbreaker.New("stripe", circuitbreaker.DefaultConfig())
	}
	return &StripeProcessor{api: api, breaker: breaker, logger: logger}
}

// call wraps one processor request with the breaker, a span and latency metrics.
// Card declines and other 4xx answers do not trip the breaker.
func (p *StripeProcessor) call(ctx context.Context, op string, fn func() error) error {
	_, span := otel.StartSpan(ctx, "stripe."+op)
	span.SetAttributes(attribute.String("payment.operation", op))
	start := time.Now()

	err := p.breaker.Execute(fn, isServerSideFailure)

	status := "ok"
	if err != nil {
		status = "error"
		p.logger.Error("Payment processor call failed", zap.String("operation", op), zap.Error(err))
	}
	metrics.RecordProcessorCallLatency(op, status, time.Since(start))
	otel.EndSpan(span, err)

	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProcessor, op, err)
	}
	return nil
}

func isServerSideFailure(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

func (p *StripeProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.DestinationAccount != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
		if req.ApplicationFee > 0 {
			params.ApplicationFeeAmount = stripe.Int64(req.ApplicationFee)
		}
	}
	for k, v := range req.Metadata.Map() {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := p.call(ctx, "create_charge", func() (err error) {
		pi, err = p.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("Payment intent created",
		zap.String("payment_intent", pi.ID),
		zap.Int64("amount", req.Amount),
		zap.Int64("subscriber_id", req.Metadata.SubscriberID),
		zap.Int64("project_id", req.Metadata.ProjectID),
	)
	return chargeFromIntent(pi), nil
}

func (p *StripeProcessor) RetrieveCharge(ctx context.Context, id string) (*Charge, error) {
	var pi *stripe.PaymentIntent
	err := p.call(ctx, "retrieve_charge", func() (err error) {
		pi, err = p.api.PaymentIntents.Get(id, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chargeFromIntent(pi), nil
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	return &Charge{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi),
		Metadata:     pi.Metadata,
	}
}

func intentStatus(pi *stripe.PaymentIntent) ChargeStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return ChargeFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// 有过失败尝试才算失败，否则仍在等待客户端
		if pi.LastPaymentError != nil {
			return ChargeFailed
		}
	}
	return ChargePending
}

func (p *StripeProcessor) RetrievePrice(ctx context.Context, priceID string) (*Price, error) {
	var price *stripe.Price
	err := p.call(ctx, "retrieve_price", func() (err error) {
		price, err = p.api.Prices.Get(priceID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Price{UnitAmount: price.UnitAmount, Currency: string(price.Currency)}, nil
}

func (p *StripeProcessor) CreateCoupon(ctx context.Context) (string, error) {
	params := &stripe.CouponParams{
		PercentOff: stripe.Float64(100),
		Duration:   stripe.String(string(stripe.CouponDurationOnce)),
	}
	var coupon *stripe.Coupon
	err := p.call(ctx, "create_coupon", func() (err error) {
		coupon, err = p.api.Coupons.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return coupon.ID, nil
}

// CreateInvoice creates a draft invoice, attaches one item (optionally discounted
// by CouponRef) and pays it with the customer's default payment method.
func (p *StripeProcessor) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	invParams := &stripe.InvoiceParams{
		Customer: stripe.String(req.CustomerID),
	}
	if req.DestinationAccount != "" {
		invParams.TransferData = &stripe.InvoiceTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
		if req.ApplicationFee > 0 {
			invParams.ApplicationFeeAmount = stripe.Int64(req.ApplicationFee)
		}
	}
	for k, v := range req.Metadata.Map() {
		invParams.AddMetadata(k, v)
	}

	var inv *stripe.Invoice
	if err := p.call(ctx, "create_invoice", func() (err error) {
		inv, err = p.api.Invoices.New(invParams)
		return err
	}); err != nil {
		return nil, err
	}

	itemParams := &stripe.InvoiceItemParams{
		Customer: stripe.String(req.CustomerID),
		Invoice:  stripe.String(inv.ID),
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
	}
	if req.CouponRef != "" {
		itemParams.Discounts = []*stripe.InvoiceItemDiscountParams{
			{Coupon: stripe.String(req.CouponRef)},
		}
	}
	if err := p.call(ctx, "create_invoice_item", func() error {
		_, err := p.api.InvoiceItems.New(itemParams)
		return err
	}); err != nil {
		return nil, err
	}

	var paid *stripe.Invoice
	if err := p.call(ctx, "pay_invoice", func() (err error) {
		paid, err = p.api.Invoices.Pay(inv.ID, &stripe.InvoicePayParams{})
		return err
	}); err != nil {
		return nil, err
	}

	p.logger.Info("Invoice paid",
		zap.String("invoice", paid.ID),
		zap.String("status", string(paid.Status)),
		zap.Int64("project_id", req.Metadata.ProjectID),
	)
	return &Invoice{ID: paid.ID, Paid: paid.Status == stripe.InvoiceStatusPaid}, nil
}

func (p *StripeProcessor) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProcessorSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceID)},
		},
		// 首期扣款失败直接报错，不留下 incomplete 订阅
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	if req.DestinationAccount != "" {
		params.TransferData = &stripe.SubscriptionTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
		if req.ApplicationFeePercent > 0 {
			params.ApplicationFeePercent = stripe.Float64(req.ApplicationFeePercent)
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	var sub *stripe.Subscription
	if err := p.call(ctx, "create_subscription", func() (err error) {
		sub, err = p.api.Subscriptions.New(params)
		return err
	}); err != nil {
		return nil, err
	}

	p.logger.Info("Subscription created",
		zap.String("subscription", sub.ID),
		zap.String("price", req.PriceID),
		zap.String("status", string(sub.Status)),
	)
	return &ProcessorSubscription{ID: sub.ID, Status: string(sub.Status)}, nil
}

func (p *StripeProcessor) UpdateSubscription(ctx context.Context, ref, priceID string) (*ProcessorSubscription, error) {
	var current *stripe.Subscription
	if err := p.call(ctx, "retrieve_subscription", func() (err error) {
		current, err = p.api.Subscriptions.Get(ref, nil)
		return err
	}); err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrProcessor, ref)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	var sub *stripe.Subscription
	if err := p.call(ctx, "update_subscription", func() (err error) {
		sub, err = p.api.Subscriptions.Update(ref, params)
		return err
	}); err != nil {
		return nil, err
	}

	p.logger.Info("Subscription switched", zap.String("subscription", sub.ID), zap.String("price", priceID))
	return &ProcessorSubscription{ID: sub.ID, Status: string(sub.Status)}, nil
}

func (p *StripeProcessor) CancelSubscription(ctx context.Context, ref string) error {
	err := p.call(ctx, "cancel_subscription", func() error {
		_, err := p.api.Subscriptions.Cancel(ref, &stripe.SubscriptionCancelParams{})
		return err
	})
	if isResourceMissing(err) {
		p.logger.Warn("Subscription already gone at the processor", zap.String("subscription", ref))
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info("Subscription cancelled", zap.String("subscription", ref))
	return nil
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && (se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound)
}
