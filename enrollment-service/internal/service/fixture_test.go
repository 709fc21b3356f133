package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "cohortengine/contracts/mq"
	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/enrollment-service/internal/payment/paymenttest"
	"cohortengine/enrollment-service/internal/repository/repotest"
)

type fixture struct {
	ctx      context.Context
	store    *repotest.Store
	proc     *paymenttest.Fake
	alloc    *Allocator
	enroll   *EnrollmentService
	subs     *SubscriptionService
	progress *ProgressService

	coach   model.Coach
	free    model.Tier
	basic   model.Tier
	premium model.Tier
	project model.Project
}

func newFixture(t *testing.T, teamSize int, tweak ...func(*EnrollmentOptions)) *fixture {
	t.Helper()

	store := repotest.New()
	proc := paymenttest.NewFake()
	proc.Prices["price_project"] = payment.Price{UnitAmount: 5000, Currency: "usd"}

	logger := zap.NewNop()
	emitter := notify.NewEmitter(logger)
	alloc := NewAllocator(StrategyFirstFit, emitter, logger)

	opts := EnrollmentOptions{
		PaymentMode:        model.MethodCharge,
		ApplicationFeeRate: decimal.RequireFromString("0.2"),
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	coach := store.AddCoach("coach")
	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		proc:     proc,
		alloc:    alloc,
		enroll:   NewEnrollmentService(store, proc, alloc, emitter, opts, logger),
		subs:     NewSubscriptionService(store, proc, emitter, logger, WithApplicationFeeRate(opts.ApplicationFeeRate)),
		progress: NewProgressService(store, emitter, logger),
		coach:    coach,
		free:     store.AddTier(coach.ID, model.TierFree, "Free"),
		basic:    store.AddTier(coach.ID, model.TierOne, "Basic"),
		premium:  store.AddTier(coach.ID, model.TierThree, "Premium"),
		project:  store.AddProject(coach.ID, "Cohort", teamSize, "price_project"),
	}
	return f
}

// member subscribes through the service, which also grants the coupon.
func (f *fixture) member(t *testing.T, name string, tier model.Tier) model.Subscriber {
	t.Helper()
	sub := f.store.AddSubscriber(name)
	_, err := f.subs.Subscribe(f.ctx, sub.ID, tier.ID)
	require.NoError(t, err)
	return sub
}

// payer is subscribed without a coupon, so enrollment goes through a charge.
func (f *fixture) payer(t *testing.T, name string, tier model.Tier) model.Subscriber {
	t.Helper()
	sub := f.store.AddSubscriber(name)
	_, err := f.store.UpsertSubscription(f.ctx, &model.Subscription{SubscriberID: sub.ID, CoachID: f.coach.ID, TierID: tier.ID}, "")
	require.NoError(t, err)
	return sub
}

func (f *fixture) join(t *testing.T, subscriberID int64) *model.Team {
	t.Helper()
	res, err := f.enroll.RequestEnrollment(f.ctx, subscriberID, f.project.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Team, "expected an immediate team")
	return res.Team
}

func (f *fixture) notifications(t *testing.T) []mqcontracts.NotificationCreatedPayload {
	t.Helper()
	var out []mqcontracts.NotificationCreatedPayload
	for _, e := range f.store.OutboxEvents() {
		if e.RoutingKey != mqcontracts.RoutingKeyNotificationCreated {
			continue
		}
		var p mqcontracts.NotificationCreatedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		out = append(out, p)
	}
	return out
}

func (f *fixture) countVerb(t *testing.T, verb string) int {
	n := 0
	for _, p := range f.notifications(t) {
		if p.Verb == verb {
			n++
		}
	}
	return n
}

func (f *fixture) countRoutingKey(key string) int {
	n := 0
	for _, e := range f.store.OutboxEvents() {
		if e.RoutingKey == key {
			n++
		}
	}
	return n
}
