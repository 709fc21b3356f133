package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

type EventKind string

const (
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventIgnored   EventKind = "ignored"
)

// WebhookEvent is the processor-neutral view of a verified callback.
type WebhookEvent struct {
	ID            string
	Type          string
	Kind          EventKind
	Reference     string
	Metadata      map[string]string
	FailureReason string
}

type WebhookParser struct {
	secrets []string
}

// NewWebhookParser accepts several signing secrets so they can be rotated.
func NewWebhookParser(secrets []string) *WebhookParser {
	var cleaned []string
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return &WebhookParser{secrets: cleaned}
}

type intentObject struct {
	ID               string            `json:"id"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type chargeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Metadata       map[string]string `json:"metadata"`
	FailureMessage string            `json:"failure_message"`
}

func (p *WebhookParser) Parse(payload []byte, sigHeader string) (*WebhookEvent, error) {
	if strings.TrimSpace(sigHeader) == "" || len(p.secrets) == 0 {
		return nil, ErrInvalidSignature
	}

	var (
		event stripe.Event
		err   error
	)
	for _, secret := range p.secrets {
		event, err = webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: EventIgnored}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi intentObject
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Reference = pi.ID
		out.Metadata = pi.Metadata
		out.Kind = EventSucceeded
		if event.Type == "payment_intent.payment_failed" {
			out.Kind = EventFailed
			out.FailureReason = "payment failed"
			if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
				out.FailureReason = pi.LastPaymentError.Message
			}
		}
	case "charge.succeeded", "charge.failed":
		var ch chargeObject
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		// 以 payment intent 为准，与客户端确认使用同一个引用
		out.Reference = ch.PaymentIntent
		if out.Reference == "" {
			out.Reference = ch.ID
		}
		out.Metadata = ch.Metadata
		out.Kind = EventSucceeded
		if event.Type == "charge.failed" {
			out.Kind = EventFailed
			out.FailureReason = ch.FailureMessage
			if out.FailureReason == "" {
				out.FailureReason = "charge failed"
			}
		}
	}
	return out, nil
}
