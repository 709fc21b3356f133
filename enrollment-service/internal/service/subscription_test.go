package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/apperr"
)

func TestSubscribeGrantsCouponOnce(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")

	got, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	require.NoError(t, err)
	assert.Equal(t, f.basic.ID, got.TierID)

	coupon, err := f.store.GetCoupon(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)
	assert.True(t, coupon.Valid)
	assert.Equal(t, "coupon_1", coupon.ExternalRef)

	// 升级不会再发券
	_, err = f.subs.Subscribe(f.ctx, sub.ID, f.premium.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.proc.Coupons)

	coupons, err := f.subs.ListCoupons(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, coupons, 1)

	assert.Equal(t, 1, f.countVerb(t, model.VerbSubscribed("Basic")))
	assert.Equal(t, 1, f.countVerb(t, model.VerbSubscribed("Premium")))
}

func TestSubscribeSameTierIsQuiet(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.basic)

	_, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	require.NoError(t, err)
	assert.Len(t, f.notifications(t), 1)
}

func TestSubscribeFreeTierHasNoCoupon(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.free)

	_, err := f.store.GetCoupon(f.ctx, sub.ID, f.coach.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Zero(t, f.proc.Coupons)

	coupons, err := f.subs.ListCoupons(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, coupons)
	assert.Empty(t, coupons)
}

func TestSubscribeRejections(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")

	_, err := f.subs.Subscribe(f.ctx, sub.ID, 777)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = f.subs.Subscribe(f.ctx, f.coach.SubscriberID, f.basic.ID)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	f.proc.Err = errors.New("stripe down")
	_, err = f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	assert.Equal(t, apperr.CodePaymentFailed, apperr.CodeOf(err))
	_, err = f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSubscribeSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")
	f.store.FailOn("InsertOutboxEvent", errors.New("outbox full"))

	_, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	require.NoError(t, err)
	assert.Empty(t, f.store.OutboxEvents())

	_, err = f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	assert.NoError(t, err)
}

func TestCancelLeavesTeamsAndRooms(t *testing.T) {
	f := newFixture(t, 3)
	a := f.member(t, "a", f.basic)
	b := f.member(t, "b", f.basic)
	c := f.member(t, "c", f.basic)

	shared := f.join(t, a.ID)
	f.join(t, b.ID)
	second := f.store.AddProject(f.coach.ID, "Solo", 3, "price_project")
	res, err := f.enroll.RequestEnrollment(f.ctx, c.ID, second.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Team)
	solo := res.Team

	require.NoError(t, f.subs.Cancel(f.ctx, a.ID, f.basic.ID))
	require.NoError(t, f.subs.Cancel(f.ctx, c.ID, f.basic.ID))

	kept, err := f.store.GetTeam(f.ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, kept.Members)
	for _, room := range f.store.Rooms(shared.ID) {
		assert.NotContains(t, room.Members, a.ID)
		assert.Contains(t, room.Members, b.ID)
	}

	_, err = f.store.GetTeam(f.ctx, solo.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.store.Rooms(solo.ID))

	_, err = f.store.GetSubscription(f.ctx, a.ID, f.coach.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.enroll.RequestEnrollment(f.ctx, a.ID, f.project.ID)
	assert.Equal(t, apperr.CodeIneligibleTier, apperr.CodeOf(err))
}

func TestCancelWrongTier(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.basic)

	err := f.subs.Cancel(f.ctx, sub.ID, f.premium.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	stranger := f.store.AddSubscriber("x")
	err = f.subs.Cancel(f.ctx, stranger.ID, f.basic.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestCancelRollsBackOnFailure(t *testing.T) {
	f := newFixture(t, 3)
	a := f.member(t, "a", f.basic)
	team := f.join(t, a.ID)

	f.store.FailOn("DeleteTeamIfEmpty", errors.New("lock timeout"))
	err := f.subs.Cancel(f.ctx, a.ID, f.basic.ID)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))

	kept, err := f.store.GetTeam(f.ctx, team.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, kept.Members)
	_, err = f.store.GetSubscription(f.ctx, a.ID, f.coach.ID)
	assert.NoError(t, err)
}

func TestPaidSubscriptionIsBilled(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")

	got, err := f.subs.Subscribe(f.ctx, sub.ID, f.premium.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.ExternalRef)
	assert.Equal(t, f.premium.PriceID, f.proc.SubscriptionPrice(got.ExternalRef))

	require.Len(t, f.proc.SubscriptionRequests, 1)
	req := f.proc.SubscriptionRequests[0]
	assert.Equal(t, "cus_s", req.CustomerID)
	assert.Equal(t, "acct_coach", req.DestinationAccount)
	assert.Equal(t, 20.0, req.ApplicationFeePercent)

	// 用券加入项目后订阅仍在计费
	f.join(t, sub.ID)
	assert.Equal(t, 1, f.proc.LiveSubscriptions())
	assert.Zero(t, f.proc.ChargeCount())
}

func TestSwitchingPaidTiersKeepsOneProcessorSubscription(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.basic)
	first, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)

	upgraded, err := f.subs.Subscribe(f.ctx, sub.ID, f.premium.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ExternalRef, upgraded.ExternalRef)
	assert.Equal(t, f.premium.PriceID, f.proc.SubscriptionPrice(upgraded.ExternalRef))
	assert.Len(t, f.proc.SubscriptionRequests, 1)

	// 降到免费等级会停止计费
	downgraded, err := f.subs.Subscribe(f.ctx, sub.ID, f.free.ID)
	require.NoError(t, err)
	assert.Empty(t, downgraded.ExternalRef)
	assert.Zero(t, f.proc.LiveSubscriptions())
	assert.Equal(t, []string{first.ExternalRef}, f.proc.Cancelled)
}

func TestFreeTierIsNotBilled(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.free)

	got, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExternalRef)
	assert.Empty(t, f.proc.SubscriptionRequests)

	require.NoError(t, f.subs.Cancel(f.ctx, sub.ID, f.free.ID))
	assert.Empty(t, f.proc.Cancelled)
}

func TestUnpricedPaidTierIsRejected(t *testing.T) {
	f := newFixture(t, 3)
	f.store.SetTierPrice(f.basic.ID, "")
	sub := f.store.AddSubscriber("s")

	_, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
	assert.Zero(t, f.proc.Coupons)
}

func TestSubscriptionProcessorFailureRecordsNothing(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.basic)
	before, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)
	events := len(f.store.OutboxEvents())

	f.proc.OnCall = func(op string) {
		if op == "update_subscription" {
			f.proc.Err = errors.New("card declined")
		}
	}
	_, err = f.subs.Subscribe(f.ctx, sub.ID, f.premium.ID)
	assert.Equal(t, apperr.CodePaymentFailed, apperr.CodeOf(err))

	after, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)
	assert.Equal(t, before.TierID, after.TierID)
	assert.Equal(t, before.ExternalRef, after.ExternalRef)
	assert.Len(t, f.store.OutboxEvents(), events)
}

func TestSubscribeRevertsProcessorWhenSaveFails(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")
	f.store.FailOn("UpsertSubscription", errors.New("connection reset"))

	_, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))

	require.Len(t, f.proc.SubscriptionRequests, 1)
	assert.Zero(t, f.proc.LiveSubscriptions())
	assert.Len(t, f.proc.Cancelled, 1)
	_, err = f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConcurrentSubscribeLosesWithConflict(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.store.AddSubscriber("s")

	// 另一个请求在处理方调用期间抢先保存了订阅
	f.proc.OnCall = func(op string) {
		if op != "create_subscription" {
			return
		}
		f.proc.OnCall = nil
		_, err := f.store.UpsertSubscription(f.ctx, &model.Subscription{
			SubscriberID: sub.ID, CoachID: f.coach.ID, TierID: f.premium.ID, ExternalRef: "sub_other",
		}, "")
		require.NoError(t, err)
	}

	_, err := f.subs.Subscribe(f.ctx, sub.ID, f.basic.ID)
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	assert.Zero(t, f.proc.LiveSubscriptions())

	kept, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub_other", kept.ExternalRef)
}

func TestCancelStopsBillingFirst(t *testing.T) {
	f := newFixture(t, 3)
	sub := f.member(t, "s", f.basic)
	current, err := f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)

	f.proc.Err = errors.New("stripe down")
	err = f.subs.Cancel(f.ctx, sub.ID, f.basic.ID)
	assert.Equal(t, apperr.CodePaymentFailed, apperr.CodeOf(err))
	_, err = f.store.GetSubscription(f.ctx, sub.ID, f.coach.ID)
	require.NoError(t, err)

	f.proc.Err = nil
	require.NoError(t, f.subs.Cancel(f.ctx, sub.ID, f.basic.ID))
	assert.Equal(t, []string{current.ExternalRef}, f.proc.Cancelled)
	assert.Zero(t, f.proc.LiveSubscriptions())
}

func TestCancelLocksEveryProjectInOrder(t *testing.T) {
	f := newFixture(t, 3)
	a := f.member(t, "a", f.basic)
	b := f.payer(t, "b", f.basic)
	second := f.store.AddProject(f.coach.ID, "Second", 3, "price_project")

	// a 在两个项目里都有队伍
	f.join(t, a.ID)
	other, err := f.store.CreateTeam(f.ctx, second.ID, "Team 1")
	require.NoError(t, err)
	require.NoError(t, f.store.AddTeamMember(f.ctx, other.ID, a.ID))
	require.NoError(t, f.store.AddTeamMember(f.ctx, other.ID, b.ID))

	f.store.TakeLocks()
	require.NoError(t, f.subs.Cancel(f.ctx, a.ID, f.basic.ID))
	assert.Equal(t, []int64{f.project.ID, second.ID}, f.store.TakeLocks())

	kept, err := f.store.GetTeam(f.ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, kept.Members)
}
