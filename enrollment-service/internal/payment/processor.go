package payment

import (
	"context"
	"errors"
	"strconv"
)

// ErrProcessor wraps every failure returned by the processor so callers can map it to PAYMENT_FAILED.
var ErrProcessor = errors.New("payment processor error")

type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargeSucceeded ChargeStatus = "succeeded"
	ChargeFailed    ChargeStatus = "failed"
)

const MetadataTypeProject = "project"

// EnrollmentMetadata tags charges so a webhook can be traced back to an enrollment.
type EnrollmentMetadata struct {
	Type         string
	SubscriberID int64
	ProjectID    int64
}

func (m EnrollmentMetadata) Map() map[string]string {
	return map[string]string{
		"type":          m.Type,
		"subscriber_id": strconv.FormatInt(m.SubscriberID, 10),
		"project_id":    strconv.FormatInt(m.ProjectID, 10),
	}
}

// ParseMetadata returns ok=false when the metadata does not describe a project enrollment.
func ParseMetadata(md map[string]string) (EnrollmentMetadata, bool) {
	if md["type"] != MetadataTypeProject {
		return EnrollmentMetadata{}, false
	}
	subscriberID, err := strconv.ParseInt(md["subscriber_id"], 10, 64)
	if err != nil {
		return EnrollmentMetadata{}, false
	}
	projectID, err := strconv.ParseInt(md["project_id"], 10, 64)
	if err != nil {
		return EnrollmentMetadata{}, false
	}
	return EnrollmentMetadata{Type: MetadataTypeProject, SubscriberID: subscriberID, ProjectID: projectID}, true
}

type ChargeRequest struct {
	Amount             int64
	Currency           string
	CustomerID         string
	DestinationAccount string
	ApplicationFee     int64
	Metadata           EnrollmentMetadata
}

type Charge struct {
	ID           string
	ClientSecret string
	Status       ChargeStatus
	Metadata     map[string]string
}

type Price struct {
	UnitAmount int64
	Currency   string
}

type InvoiceRequest struct {
	CustomerID         string
	Amount             int64
	Currency           string
	CouponRef          string
	DestinationAccount string
	ApplicationFee     int64
	Metadata           EnrollmentMetadata
}

type Invoice struct {
	ID   string
	Paid bool
}

// SubscriptionRequest bills a paid tier on the coach's connected account.
type SubscriptionRequest struct {
	CustomerID            string
	PriceID               string
	DestinationAccount    string
	ApplicationFeePercent float64
	Metadata              map[string]string
}

type ProcessorSubscription struct {
	ID     string
	Status string
}

// Processor is the external payment boundary.
type Processor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	RetrieveCharge(ctx context.Context, id string) (*Charge, error)
	RetrievePrice(ctx context.Context, priceID string) (*Price, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	// CreateCoupon creates a single-use 100% discount and returns its reference.
	CreateCoupon(ctx context.Context) (string, error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProcessorSubscription, error)
	// UpdateSubscription moves the subscription to priceID and prorates the difference.
	UpdateSubscription(ctx context.Context, ref, priceID string) (*ProcessorSubscription, error)
	// CancelSubscription succeeds when the subscription no longer exists at the processor.
	CancelSubscription(ctx context.Context, ref string) error
}
