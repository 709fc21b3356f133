package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/metrics"
)

const (
	TriggerConfirm = "confirm"
	TriggerWebhook = "webhook"
	TriggerInvoice = "invoice"
)

type EnrollmentOptions struct {
	PaymentMode model.PaymentMethod
	// BypassLevel lets subscribers at or above this tier join without paying. Empty means nobody bypasses.
	BypassLevel        model.TierLevel
	ApplicationFeeRate decimal.Decimal
	// Currency is used when the price carries none.
	Currency string
}

type PendingPayment struct {
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret"`
	CustomerID   string `json:"customer"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// EnrollmentResult holds exactly one of Team or Pending.
type EnrollmentResult struct {
	Team    *model.Team     `json:"team,omitempty"`
	Pending *PendingPayment `json:"pending_payment,omitempty"`
}

type EnrollmentService struct {
	store     repository.Store
	processor payment.Processor
	allocator *Allocator
	emitter   *notify.Emitter
	opts      EnrollmentOptions
	logger    *zap.Logger
}

func NewEnrollmentService(
	store repository.Store,
	processor payment.Processor,
	allocator *Allocator,
	emitter *notify.Emitter,
	opts EnrollmentOptions,
	logger *zap.Logger,
) *EnrollmentService {
	if opts.PaymentMode == "" {
		opts.PaymentMode = model.MethodCharge
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	return &EnrollmentService{
		store:     store,
		processor: processor,
		allocator: allocator,
		emitter:   emitter,
		opts:      opts,
		logger:    logger,
	}
}

var errCouponGone = errors.New("coupon redeemed concurrently")

// RequestEnrollment validates eligibility and resolves payment. It returns a Team
// when no payment is outstanding, otherwise a PendingPayment for the client.
func (s *EnrollmentService) RequestEnrollment(ctx context.Context, subscriberID, projectID int64) (*EnrollmentResult, error) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("project_id", projectID),
	)
	log.Debug("Enrollment requested")

	project, err := s.store.GetProject(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.IncrementEnrollmentRequest("validation", "project_not_found")
		return nil, apperr.New(apperr.CodeProjectNotFound, "project not found")
	}
	if err != nil {
		return nil, internal("load project", err)
	}

	tier, err := s.eligibleTier(ctx, subscriberID, project.CoachID)
	if err != nil {
		metrics.IncrementEnrollmentRequest("validation", string(apperr.CodeOf(err)))
		return nil, err
	}

	if team, err := s.store.FindMemberTeam(ctx, projectID, subscriberID); err == nil {
		metrics.IncrementEnrollmentRequest("member", "existing")
		return &EnrollmentResult{Team: team}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, internal("find member team", err)
	}

	if s.opts.BypassLevel != "" && tier.Level.Rank() >= s.opts.BypassLevel.Rank() {
		team, err := s.assign(ctx, projectID, subscriberID)
		if err != nil {
			metrics.IncrementEnrollmentRequest("bypass", "error")
			return nil, err
		}
		log.Info("Enrollment granted by tier", zap.String("tier", string(tier.Level)))
		metrics.IncrementEnrollmentRequest("bypass", "assigned")
		return &EnrollmentResult{Team: team}, nil
	}

	coupon, err := s.store.GetCoupon(ctx, subscriberID, project.CoachID)
	switch {
	case err == nil && coupon.Valid:
		team, err := s.redeemCoupon(ctx, project, subscriberID, coupon)
		if err == nil {
			log.Info("Enrollment paid by coupon", zap.Int64("coupon_id", coupon.ID), zap.Int64("team_id", team.ID))
			metrics.IncrementEnrollmentRequest("coupon", "assigned")
			return &EnrollmentResult{Team: team}, nil
		}
		if !errors.Is(err, errCouponGone) {
			metrics.IncrementEnrollmentRequest("coupon", "error")
			return nil, err
		}
		log.Info("Coupon consumed concurrently, falling back to payment", zap.Int64("coupon_id", coupon.ID))
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, internal("load coupon", err)
	}

	if s.opts.PaymentMode == model.MethodInvoice {
		team, err := s.payByInvoice(ctx, project, subscriberID)
		if err != nil {
			metrics.IncrementEnrollmentRequest("invoice", string(apperr.CodeOf(err)))
			return nil, err
		}
		metrics.IncrementEnrollmentRequest("invoice", "assigned")
		return &EnrollmentResult{Team: team}, nil
	}

	res, err := s.resumeCharge(ctx, project, subscriberID)
	if err != nil {
		metrics.IncrementEnrollmentRequest("charge", string(apperr.CodeOf(err)))
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	pending, err := s.createCharge(ctx, project, subscriberID)
	if err != nil {
		metrics.IncrementEnrollmentRequest("charge", string(apperr.CodeOf(err)))
		return nil, err
	}
	metrics.IncrementEnrollmentRequest("charge", "pending")
	return &EnrollmentResult{Pending: pending}, nil
}

// resumeCharge returns the outcome of the subscriber's unfinished charge for the
// project, if there is one. A charge the processor reports as failed is closed and
// nil is returned so a new one can be created.
func (s *EnrollmentService) resumeCharge(ctx context.Context, project *model.Project, subscriberID int64) (*EnrollmentResult, error) {
	attempt, err := s.store.FindOpenAttempt(ctx, subscriberID, project.ID, model.MethodCharge)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, internal("find open attempt", err)
	}

	charge, err := s.processor.RetrieveCharge(ctx, attempt.Reference)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not verify the open payment", err)
	}

	switch charge.Status {
	case payment.ChargeSucceeded:
		// webhook 还没到，直接完成
		team, err := s.CompletePayment(ctx, attempt.Reference, TriggerConfirm, nil)
		if err != nil {
			return nil, err
		}
		metrics.IncrementEnrollmentRequest("charge", "resumed_paid")
		return &EnrollmentResult{Team: team}, nil
	case payment.ChargeFailed:
		if err := s.FailPayment(ctx, attempt.Reference, "processor reported failure"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	subscriber, err := s.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, internal("load subscriber", err)
	}
	logger.WithTrace(ctx, s.logger).Debug("Returning open payment", zap.String("reference", attempt.Reference))
	metrics.IncrementEnrollmentRequest("charge", "resumed")
	return &EnrollmentResult{Pending: &PendingPayment{
		Reference:    attempt.Reference,
		ClientSecret: charge.ClientSecret,
		CustomerID:   subscriber.CustomerID,
		Amount:       attempt.Amount,
		Currency:     attempt.Currency,
	}}, nil
}

func (s *EnrollmentService) eligibleTier(ctx context.Context, subscriberID, coachID int64) (*model.Tier, error) {
	sub, err := s.store.GetSubscription(ctx, subscriberID, coachID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeIneligibleTier, "a paid subscription to this coach is required")
	}
	if err != nil {
		return nil, internal("load subscription", err)
	}
	tier, err := s.store.GetTier(ctx, sub.TierID)
	if err != nil {
		return nil, internal("load tier", err)
	}
	if tier.Level == model.TierFree {
		return nil, apperr.New(apperr.CodeIneligibleTier, "the free tier cannot join projects")
	}
	return tier, nil
}

func (s *EnrollmentService) assign(ctx context.Context, projectID, subscriberID int64) (*model.Team, error) {
	var team *model.Team
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		team, _, err = s.allocator.Assign(ctx, q, projectID, subscriberID)
		return err
	})
	if err != nil {
		return nil, asAppErr("assign team", err)
	}
	return team, nil
}

// redeemCoupon consumes the coupon and assigns the team in one transaction. In
// invoice mode the discounted invoice is issued only after the coupon was won, so
// a coupon taken concurrently never leaves an invoice behind.
func (s *EnrollmentService) redeemCoupon(ctx context.Context, project *model.Project, subscriberID int64, coupon *model.Coupon) (*model.Team, error) {
	var invoice *payment.InvoiceRequest
	if s.opts.PaymentMode == model.MethodInvoice {
		req, err := s.invoiceRequest(ctx, project, subscriberID)
		if err != nil {
			return nil, err
		}
		req.CouponRef = coupon.ExternalRef
		invoice = req
	}

	var team *model.Team
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		ok, err := q.RedeemCoupon(ctx, coupon.ID)
		if err != nil {
			return fmt.Errorf("redeem coupon: %w", err)
		}
		if !ok {
			return errCouponGone
		}
		if invoice != nil {
			// 发票模式下在处理方留一张全额折扣的发票；失败时券随事务回滚
			inv, err := s.processor.CreateInvoice(ctx, *invoice)
			if err != nil {
				return apperr.Wrap(apperr.CodePaymentFailed, "payment processor unavailable", err)
			}
			if !inv.Paid {
				return apperr.New(apperr.CodePaymentFailed, "discounted invoice was not settled")
			}
		}
		team, _, err = s.allocator.Assign(ctx, q, project.ID, subscriberID)
		return err
	})
	if errors.Is(err, errCouponGone) {
		return nil, err
	}
	if err != nil {
		return nil, asAppErr("redeem coupon", err)
	}
	return team, nil
}

type chargeContext struct {
	subscriber *model.Subscriber
	coach      *model.Coach
	price      *payment.Price
	fee        int64
	metadata   payment.EnrollmentMetadata
}

func (s *EnrollmentService) prepareCharge(ctx context.Context, project *model.Project, subscriberID int64) (*chargeContext, error) {
	subscriber, err := s.store.GetSubscriber(ctx, subscriberID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "subscriber not found")
	}
	if err != nil {
		return nil, internal("load subscriber", err)
	}
	coach, err := s.store.GetCoach(ctx, project.CoachID)
	if err != nil {
		return nil, internal("load coach", err)
	}

	price, err := s.processor.RetrievePrice(ctx, project.PriceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not price the project", err)
	}
	if price.Currency == "" {
		price.Currency = s.opts.Currency
	}

	return &chargeContext{
		subscriber: subscriber,
		coach:      coach,
		price:      price,
		fee:        payment.ApplicationFee(price.UnitAmount, s.opts.ApplicationFeeRate),
		metadata: payment.EnrollmentMetadata{
			Type:         payment.MetadataTypeProject,
			SubscriberID: subscriberID,
			ProjectID:    project.ID,
		},
	}, nil
}

func (s *EnrollmentService) createCharge(ctx context.Context, project *model.Project, subscriberID int64) (*PendingPayment, error) {
	cc, err := s.prepareCharge(ctx, project, subscriberID)
	if err != nil {
		return nil, err
	}

	charge, err := s.processor.CreateCharge(ctx, payment.ChargeRequest{
		Amount:             cc.price.UnitAmount,
		Currency:           cc.price.Currency,
		CustomerID:         cc.subscriber.CustomerID,
		DestinationAccount: cc.coach.PayoutAccountID,
		ApplicationFee:     cc.fee,
		Metadata:           cc.metadata,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not create the charge", err)
	}

	attempt := &model.EnrollmentAttempt{
		Reference:    charge.ID,
		SubscriberID: subscriberID,
		ProjectID:    project.ID,
		Method:       model.MethodCharge,
		Amount:       cc.price.UnitAmount,
		Currency:     cc.price.Currency,
		Status:       model.AttemptCreated,
	}
	if _, err := s.store.InsertAttempt(ctx, attempt); err != nil {
		// 支付已创建；webhook 携带的 metadata 仍可补建记录
		logger.WithTrace(ctx, s.logger).Error("Failed to record enrollment attempt",
			zap.String("reference", charge.ID),
			zap.Error(err),
		)
		return nil, internal("record enrollment attempt", err)
	}

	logger.WithTrace(ctx, s.logger).Info("Enrollment awaiting payment",
		zap.String("reference", charge.ID),
		zap.Int64("amount", cc.price.UnitAmount),
		zap.Int64("fee", cc.fee),
	)
	return &PendingPayment{
		Reference:    charge.ID,
		ClientSecret: charge.ClientSecret,
		CustomerID:   cc.subscriber.CustomerID,
		Amount:       cc.price.UnitAmount,
		Currency:     cc.price.Currency,
	}, nil
}

func (s *EnrollmentService) invoiceRequest(ctx context.Context, project *model.Project, subscriberID int64) (*payment.InvoiceRequest, error) {
	cc, err := s.prepareCharge(ctx, project, subscriberID)
	if err != nil {
		return nil, err
	}
	return &payment.InvoiceRequest{
		CustomerID:         cc.subscriber.CustomerID,
		Amount:             cc.price.UnitAmount,
		Currency:           cc.price.Currency,
		DestinationAccount: cc.coach.PayoutAccountID,
		ApplicationFee:     cc.fee,
		Metadata:           cc.metadata,
	}, nil
}

func (s *EnrollmentService) payByInvoice(ctx context.Context, project *model.Project, subscriberID int64) (*model.Team, error) {
	req, err := s.invoiceRequest(ctx, project, subscriberID)
	if err != nil {
		return nil, err
	}
	inv, err := s.processor.CreateInvoice(ctx, *req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not create the invoice", err)
	}

	attempt := &model.EnrollmentAttempt{
		Reference:    inv.ID,
		SubscriberID: subscriberID,
		ProjectID:    project.ID,
		Method:       model.MethodInvoice,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       model.AttemptCreated,
	}
	if _, err := s.store.InsertAttempt(ctx, attempt); err != nil {
		return nil, internal("record enrollment attempt", err)
	}

	if !inv.Paid {
		if err := s.FailPayment(ctx, inv.ID, "invoice not paid"); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodePaymentFailed, "the invoice could not be paid")
	}
	return s.CompletePayment(ctx, inv.ID, TriggerInvoice, nil)
}

// CompletePayment applies a successful payment exactly once per reference. Later
// signals for the same reference return the team chosen by the first one.
// hint lets a webhook create the attempt when the synchronous path never recorded it.
func (s *EnrollmentService) CompletePayment(ctx context.Context, reference, trigger string, hint *payment.EnrollmentMetadata) (*model.Team, error) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("reference", reference),
		zap.String("trigger", trigger),
	)

	var (
		team    *model.Team
		applied bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		attempt, err := q.GetAttempt(ctx, reference)
		if errors.Is(err, repository.ErrNotFound) {
			if hint == nil {
				return apperr.New(apperr.CodeNotFound, "unknown payment reference")
			}
			if _, err := q.InsertAttempt(ctx, &model.EnrollmentAttempt{
				Reference:    reference,
				SubscriberID: hint.SubscriberID,
				ProjectID:    hint.ProjectID,
				Method:       model.MethodCharge,
				Status:       model.AttemptCreated,
			}); err != nil {
				return fmt.Errorf("insert attempt: %w", err)
			}
			attempt, err = q.GetAttempt(ctx, reference)
		}
		if err != nil {
			return fmt.Errorf("get attempt: %w", err)
		}

		won, err := q.CompleteAttempt(ctx, reference, trigger)
		if err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		if !won {
			team, err = s.completedTeam(ctx, q, reference)
			return err
		}

		team, _, err = s.allocator.Assign(ctx, q, attempt.ProjectID, attempt.SubscriberID)
		if err != nil {
			return err
		}
		if err := q.SetAttemptTeam(ctx, reference, team.ID); err != nil {
			return fmt.Errorf("set attempt team: %w", err)
		}
		attempt.Trigger = trigger
		s.emitter.EnrollmentCompleted(ctx, q, attempt, team.ID)
		applied = true
		return nil
	})
	if err != nil {
		metrics.IncrementEnrollmentCompletion(trigger, "failed")
		log.Error("Payment completion failed", zap.Error(err))
		return nil, asAppErr("complete payment", err)
	}

	if applied {
		metrics.IncrementEnrollmentCompletion(trigger, "applied")
		log.Info("Payment completed, subscriber enrolled", zap.Int64("team_id", team.ID))
	} else {
		metrics.IncrementEnrollmentCompletion(trigger, "duplicate")
		log.Debug("Payment already completed", zap.Int64("team_id", team.ID))
	}
	return team, nil
}

func (s *EnrollmentService) completedTeam(ctx context.Context, q repository.Queries, reference string) (*model.Team, error) {
	attempt, err := q.GetAttempt(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("reload attempt: %w", err)
	}
	if attempt.TeamID == nil {
		return nil, apperr.New(apperr.CodeConflict, "enrollment was completed but its team no longer exists")
	}
	team, err := q.GetTeam(ctx, *attempt.TeamID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeConflict, "enrollment was completed but its team no longer exists")
	}
	return team, err
}

// FailPayment records a processor-side failure. Completed attempts are left alone.
func (s *EnrollmentService) FailPayment(ctx context.Context, reference, reason string) error {
	changed, err := s.store.FailAttempt(ctx, reference, reason)
	if err != nil {
		return internal("fail attempt", err)
	}
	if changed {
		metrics.IncrementEnrollmentCompletion("failure", "recorded")
		logger.WithTrace(ctx, s.logger).Info("Payment failed",
			zap.String("reference", reference),
			zap.String("reason", reason),
		)
	}
	return nil
}

// ConfirmPayment is the synchronous path: the client reports that it finished
// paying and the processor is asked for the real status.
func (s *EnrollmentService) ConfirmPayment(ctx context.Context, subscriberID int64, reference string) (*model.Team, error) {
	attempt, err := s.ownAttempt(ctx, subscriberID, reference)
	if err != nil {
		return nil, err
	}
	if attempt.Status == model.AttemptCompleted {
		return s.CompletePayment(ctx, reference, TriggerConfirm, nil)
	}

	charge, err := s.processor.RetrieveCharge(ctx, reference)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not verify the payment", err)
	}

	switch charge.Status {
	case payment.ChargeSucceeded:
		return s.CompletePayment(ctx, reference, TriggerConfirm, nil)
	case payment.ChargeFailed:
		if err := s.FailPayment(ctx, reference, "processor reported failure"); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodePaymentFailed, "the payment failed")
	default:
		return nil, apperr.New(apperr.CodePaymentRequired, "the payment has not completed yet")
	}
}

func (s *EnrollmentService) GetAttempt(ctx context.Context, subscriberID int64, reference string) (*model.EnrollmentAttempt, error) {
	return s.ownAttempt(ctx, subscriberID, reference)
}

func (s *EnrollmentService) ownAttempt(ctx context.Context, subscriberID int64, reference string) (*model.EnrollmentAttempt, error) {
	attempt, err := s.store.GetAttempt(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && attempt.SubscriberID != subscriberID) {
		return nil, apperr.New(apperr.CodeNotFound, "payment not found")
	}
	if err != nil {
		return nil, internal("load attempt", err)
	}
	return attempt, nil
}

// HandleWebhook applies a verified processor event. Events that are not about a
// project enrollment are ignored.
func (s *EnrollmentService) HandleWebhook(ctx context.Context, ev *payment.WebhookEvent) error {
	if ev.Reference == "" {
		return nil
	}
	switch ev.Kind {
	case payment.EventSucceeded:
		var hint *payment.EnrollmentMetadata
		if md, ok := payment.ParseMetadata(ev.Metadata); ok {
			hint = &md
		}
		_, err := s.CompletePayment(ctx, ev.Reference, TriggerWebhook, hint)
		if hint == nil && apperr.Is(err, apperr.CodeNotFound) {
			return nil
		}
		return err
	case payment.EventFailed:
		reason := strings.TrimSpace(ev.FailureReason)
		return s.FailPayment(ctx, ev.Reference, reason)
	}
	return nil
}

func (s *EnrollmentService) ListProjectTeams(ctx context.Context, projectID int64) ([]model.Team, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.CodeProjectNotFound, "project not found")
		}
		return nil, internal("load project", err)
	}
	teams, err := s.store.ListTeams(ctx, projectID)
	if err != nil {
		return nil, internal("list teams", err)
	}
	if teams == nil {
		teams = []model.Team{}
	}
	return teams, nil
}
