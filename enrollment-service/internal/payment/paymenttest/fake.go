// Package paymenttest provides a scripted payment.Processor.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"cohortengine/enrollment-service/internal/payment"
)

// Fake records requests and answers from in-memory state.
type Fake struct {
	mu sync.Mutex

	Prices  map[string]payment.Price
	charges map[string]*payment.Charge
	seq     int

	Charges  []payment.ChargeRequest
	Invoices []payment.InvoiceRequest
	Coupons  int

	SubscriptionRequests []payment.SubscriptionRequest
	// Subscriptions maps live subscription refs to their current price.
	Subscriptions map[string]string
	Cancelled     []string

	// InvoicePaid decides the outcome of CreateInvoice.
	InvoicePaid bool
	// Err, when set, is returned by every call.
	Err error
	// OnCall runs before each call, outside the fake's lock, with the operation name.
	OnCall func(op string)
}

var _ payment.Processor = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Prices:        map[string]payment.Price{},
		charges:       map[string]*payment.Charge{},
		Subscriptions: map[string]string{},
		InvoicePaid:   true,
	}
}

func (f *Fake) enter(op string) {
	if f.OnCall != nil {
		f.OnCall(op)
	}
	f.mu.Lock()
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateCharge(_ context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	f.enter("create_charge")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	f.Charges = append(f.Charges, req)
	id := f.next("pi")
	ch := &payment.Charge{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       payment.ChargePending,
		Metadata:     req.Metadata.Map(),
	}
	f.charges[id] = ch
	out := *ch
	return &out, nil
}

func (f *Fake) RetrieveCharge(_ context.Context, id string) (*payment.Charge, error) {
	f.enter("retrieve_charge")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	ch, ok := f.charges[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %s", payment.ErrProcessor, id)
	}
	out := *ch
	return &out, nil
}

// SetChargeStatus simulates the client finishing (or failing) payment.
func (f *Fake) SetChargeStatus(id string, status payment.ChargeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.charges[id]; ok {
		ch.Status = status
	}
}

func (f *Fake) RetrievePrice(_ context.Context, priceID string) (*payment.Price, error) {
	f.enter("retrieve_price")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	p, ok := f.Prices[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: no such price %s", payment.ErrProcessor, priceID)
	}
	return &p, nil
}

func (f *Fake) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (*payment.Invoice, error) {
	f.enter("create_invoice")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	f.Invoices = append(f.Invoices, req)
	return &payment.Invoice{ID: f.next("in"), Paid: f.InvoicePaid}, nil
}

func (f *Fake) CreateCoupon(context.Context) (string, error) {
	f.enter("create_coupon")
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	f.Coupons++
	return f.next("coupon"), nil
}

func (f *Fake) CreateSubscription(_ context.Context, req payment.SubscriptionRequest) (*payment.ProcessorSubscription, error) {
	f.enter("create_subscription")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	f.SubscriptionRequests = append(f.SubscriptionRequests, req)
	id := f.next("sub")
	f.Subscriptions[id] = req.PriceID
	return &payment.ProcessorSubscription{ID: id, Status: "active"}, nil
}

func (f *Fake) UpdateSubscription(_ context.Context, ref, priceID string) (*payment.ProcessorSubscription, error) {
	f.enter("update_subscription")
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	if _, ok := f.Subscriptions[ref]; !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", payment.ErrProcessor, ref)
	}
	f.Subscriptions[ref] = priceID
	return &payment.ProcessorSubscription{ID: ref, Status: "active"}, nil
}

func (f *Fake) CancelSubscription(_ context.Context, ref string) error {
	f.enter("cancel_subscription")
	defer f.mu.Unlock()
	if f.Err != nil {
		return fmt.Errorf("%w: %v", payment.ErrProcessor, f.Err)
	}
	delete(f.Subscriptions, ref)
	f.Cancelled = append(f.Cancelled, ref)
	return nil
}

// SubscriptionPrice returns the price billed for ref, or "" when it is not live.
func (f *Fake) SubscriptionPrice(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Subscriptions[ref]
}

func (f *Fake) LiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Subscriptions)
}

func (f *Fake) InvoiceRequests() []payment.InvoiceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.InvoiceRequest(nil), f.Invoices...)
}

func (f *Fake) ChargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Charges)
}
