package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
)

// SubscriptionService keeps subscriptions, coupons and team memberships consistent.
// Paid tiers are billed as recurring subscriptions at the processor.
type SubscriptionService struct {
	store     repository.Store
	processor payment.Processor
	emitter   *notify.Emitter
	feeRate   decimal.Decimal
	logger    *zap.Logger
}

type SubscriptionOption func(*SubscriptionService)

// WithApplicationFeeRate sets the platform's share of every subscription invoice.
func WithApplicationFeeRate(rate decimal.Decimal) SubscriptionOption {
	return func(s *SubscriptionService) { s.feeRate = rate }
}

func NewSubscriptionService(store repository.Store, processor payment.Processor, emitter *notify.Emitter, logger *zap.Logger, opts ...SubscriptionOption) *SubscriptionService {
	s := &SubscriptionService{store: store, processor: processor, emitter: emitter, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SubscriptionService) loadTier(ctx context.Context, tierID int64) (*model.Tier, *model.Coach, error) {
	tier, err := s.store.GetTier(ctx, tierID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, apperr.New(apperr.CodeNotFound, "tier not found")
	}
	if err != nil {
		return nil, nil, internal("load tier", err)
	}
	coach, err := s.store.GetCoach(ctx, tier.CoachID)
	if err != nil {
		return nil, nil, internal("load coach", err)
	}
	return tier, coach, nil
}

// Subscribe creates or switches the subscriber's subscription to the tier's coach.
// The first paid subscription to a coach also grants a one-time coupon. The
// processor is billed before anything is recorded; a processor failure leaves
// the stored subscription untouched.
func (s *SubscriptionService) Subscribe(ctx context.Context, subscriberID, tierID int64) (*model.Subscription, error) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("tier_id", tierID),
	)

	tier, coach, err := s.loadTier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	if coach.SubscriberID == subscriberID {
		return nil, apperr.New(apperr.CodeValidation, "coaches cannot subscribe to their own tiers")
	}
	if tier.Level != model.TierFree && !tier.Billable() {
		return nil, apperr.New(apperr.CodeValidation, "tier has no price configured")
	}

	prev, err := s.store.GetSubscription(ctx, subscriberID, coach.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		prev = nil
	case err != nil:
		return nil, internal("load subscription", err)
	case prev.TierID == tier.ID:
		return prev, nil
	}

	// 处理方优惠券在事务外创建；并发时多出的那张不会落库
	var couponRef string
	if tier.Level != model.TierFree {
		_, err := s.store.GetCoupon(ctx, subscriberID, coach.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if couponRef, err = s.processor.CreateCoupon(ctx); err != nil {
				return nil, apperr.Wrap(apperr.CodePaymentFailed, "could not create the subscription coupon", err)
			}
		case err != nil:
			return nil, internal("load coupon", err)
		}
	}

	var prevRef string
	if prev != nil {
		prevRef = prev.ExternalRef
	}
	bill, err := s.bill(ctx, subscriberID, coach, tier, prev)
	if err != nil {
		return nil, err
	}

	sub := &model.Subscription{SubscriberID: subscriberID, CoachID: coach.ID, TierID: tier.ID, ExternalRef: bill.ref}
	var changed bool
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		if changed, err = q.UpsertSubscription(ctx, sub, prevRef); err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		if couponRef != "" {
			if _, err := q.InsertCouponIfAbsent(ctx, &model.Coupon{
				SubscriberID: subscriberID,
				CoachID:      coach.ID,
				ExternalRef:  couponRef,
			}); err != nil {
				return fmt.Errorf("insert coupon: %w", err)
			}
		}
		if changed {
			s.emitter.Emit(ctx, q, model.Notification{
				ActorID:     subscriberID,
				RecipientID: coach.SubscriberID,
				Verb:        model.VerbSubscribed(tier.Label),
				Subject:     model.Subject{Kind: model.SubjectSubscription, ID: tier.ID},
			})
		}
		return nil
	})
	if err != nil {
		s.undoBilling(ctx, log, bill)
		if errors.Is(err, repository.ErrStale) {
			return nil, apperr.New(apperr.CodeConflict, "subscription changed concurrently, retry")
		}
		return nil, asAppErr("subscribe", err)
	}

	if changed {
		log.Info("Subscription saved",
			zap.String("level", string(tier.Level)),
			zap.String("external_ref", bill.ref),
		)
	}
	return s.store.GetSubscription(ctx, subscriberID, coach.ID)
}

// billing is the processor-side result of a tier change and how to revert it.
type billing struct {
	ref  string
	undo func(ctx context.Context) error
}

// bill moves the processor subscription to the tier's price. Switching between paid
// tiers keeps the same processor subscription; moving to the free tier cancels it.
func (s *SubscriptionService) bill(ctx context.Context, subscriberID int64, coach *model.Coach, tier *model.Tier, prev *model.Subscription) (billing, error) {
	var prevRef string
	if prev != nil {
		prevRef = prev.ExternalRef
	}

	switch {
	case !tier.Billable():
		if prevRef != "" {
			// 重试时处理方已无此订阅，Cancel 视为成功
			if err := s.processor.CancelSubscription(ctx, prevRef); err != nil {
				return billing{}, apperr.Wrap(apperr.CodePaymentFailed, "could not stop the current subscription", err)
			}
		}
		return billing{}, nil

	case prevRef != "":
		prevTier, err := s.store.GetTier(ctx, prev.TierID)
		if err != nil {
			return billing{}, internal("load current tier", err)
		}
		if _, err := s.processor.UpdateSubscription(ctx, prevRef, tier.PriceID); err != nil {
			return billing{}, apperr.Wrap(apperr.CodePaymentFailed, "could not switch the subscription", err)
		}
		return billing{ref: prevRef, undo: func(ctx context.Context) error {
			_, err := s.processor.UpdateSubscription(ctx, prevRef, prevTier.PriceID)
			return err
		}}, nil

	default:
		subscriber, err := s.store.GetSubscriber(ctx, subscriberID)
		if errors.Is(err, repository.ErrNotFound) {
			return billing{}, apperr.New(apperr.CodeNotFound, "subscriber not found")
		}
		if err != nil {
			return billing{}, internal("load subscriber", err)
		}
		created, err := s.processor.CreateSubscription(ctx, payment.SubscriptionRequest{
			CustomerID:            subscriber.CustomerID,
			PriceID:               tier.PriceID,
			DestinationAccount:    coach.PayoutAccountID,
			ApplicationFeePercent: payment.FeePercent(s.feeRate),
			Metadata: map[string]string{
				"type":          "subscription",
				"subscriber_id": strconv.FormatInt(subscriberID, 10),
				"tier_id":       strconv.FormatInt(tier.ID, 10),
			},
		})
		if err != nil {
			return billing{}, apperr.Wrap(apperr.CodePaymentFailed, "could not start the subscription", err)
		}
		return billing{ref: created.ID, undo: func(ctx context.Context) error {
			return s.processor.CancelSubscription(ctx, created.ID)
		}}, nil
	}
}

func (s *SubscriptionService) undoBilling(ctx context.Context, log *zap.Logger, b billing) {
	if b.undo == nil {
		return
	}
	if err := b.undo(context.WithoutCancel(ctx)); err != nil {
		log.Error("Failed to revert processor subscription",
			zap.String("external_ref", b.ref),
			zap.Error(err),
		)
	}
}

// Cancel stops billing, removes the subscriber from every team under the coach,
// drops teams left empty and deletes the subscription. The projects involved are
// locked so no enrollment into them interleaves with the removal.
func (s *SubscriptionService) Cancel(ctx context.Context, subscriberID, tierID int64) error {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("tier_id", tierID),
	)

	tier, coach, err := s.loadTier(ctx, tierID)
	if err != nil {
		return err
	}

	current, err := s.store.GetSubscription(ctx, subscriberID, coach.ID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && current.TierID != tier.ID) {
		return apperr.New(apperr.CodeNotFound, "not subscribed to this tier")
	}
	if err != nil {
		return internal("load subscription", err)
	}
	if current.ExternalRef != "" {
		// 事务失败时重试：处理方已取消的订阅再次取消也会成功
		if err := s.processor.CancelSubscription(ctx, current.ExternalRef); err != nil {
			return apperr.Wrap(apperr.CodePaymentFailed, "could not stop the subscription", err)
		}
	}

	var removed, deleted int
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		sub, err := q.GetSubscription(ctx, subscriberID, coach.ID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && sub.TierID != tier.ID) {
			return apperr.New(apperr.CodeNotFound, "not subscribed to this tier")
		}
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if sub.ExternalRef != current.ExternalRef {
			return apperr.New(apperr.CodeConflict, "subscription changed concurrently, retry")
		}

		teams, err := lockMemberProjects(ctx, q, coach.ID, subscriberID)
		if err != nil {
			return err
		}
		for _, ref := range teams {
			rooms, err := q.ListTeamRooms(ctx, ref.TeamID)
			if err != nil {
				return fmt.Errorf("list team rooms: %w", err)
			}
			for _, room := range rooms {
				if err := q.RemoveRoomMember(ctx, room.ID, subscriberID); err != nil {
					return fmt.Errorf("remove room member: %w", err)
				}
			}
			if err := q.RemoveTeamMember(ctx, ref.TeamID, subscriberID); err != nil {
				return fmt.Errorf("remove team member: %w", err)
			}
			removed++

			gone, err := q.DeleteTeamIfEmpty(ctx, ref.TeamID)
			if err != nil {
				return fmt.Errorf("delete empty team: %w", err)
			}
			if gone {
				deleted++
			}
		}
		return q.DeleteSubscription(ctx, subscriberID, coach.ID)
	})
	if err != nil {
		if current.ExternalRef != "" {
			log.Error("Subscription stopped at the processor but not removed",
				zap.String("external_ref", current.ExternalRef),
				zap.Error(err),
			)
		}
		return asAppErr("cancel subscription", err)
	}

	log.Info("Subscription cancelled",
		zap.Int("teams_left", removed),
		zap.Int("teams_deleted", deleted),
	)
	return nil
}

// lockMemberProjects locks every project the subscriber has a team in, in
// ascending id order, and returns the teams as seen under those locks. A team
// that appears while locking (an enrollment that committed in between) pulls its
// project into another round.
func lockMemberProjects(ctx context.Context, q repository.Queries, coachID, subscriberID int64) ([]model.TeamRef, error) {
	locked := map[int64]bool{}
	for {
		teams, err := q.ListCoachTeamsForMember(ctx, coachID, subscriberID)
		if err != nil {
			return nil, fmt.Errorf("list member teams: %w", err)
		}
		var pending []int64
		for _, ref := range teams {
			if !locked[ref.ProjectID] && !slices.Contains(pending, ref.ProjectID) {
				pending = append(pending, ref.ProjectID)
			}
		}
		if len(pending) == 0 {
			return teams, nil
		}
		slices.Sort(pending)
		for _, projectID := range pending {
			if _, err := q.LockProject(ctx, projectID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("lock project %d: %w", projectID, err)
			}
			locked[projectID] = true
		}
	}
}

func (s *SubscriptionService) ListCoupons(ctx context.Context, subscriberID int64) ([]model.Coupon, error) {
	coupons, err := s.store.ListCoupons(ctx, subscriberID)
	if err != nil {
		return nil, internal("list coupons", err)
	}
	if coupons == nil {
		coupons = []model.Coupon{}
	}
	return coupons, nil
}
