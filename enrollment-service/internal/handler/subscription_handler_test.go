package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/pkg/apperr"
)

type mockSubscriptions struct {
	mock.Mock
}

func (m *mockSubscriptions) Subscribe(ctx context.Context, subscriberID, tierID int64) (*model.Subscription, error) {
	args := m.Called(ctx, subscriberID, tierID)
	sub, _ := args.Get(0).(*model.Subscription)
	return sub, args.Error(1)
}

func (m *mockSubscriptions) Cancel(ctx context.Context, subscriberID, tierID int64) error {
	return m.Called(ctx, subscriberID, tierID).Error(0)
}

func (m *mockSubscriptions) ListCoupons(ctx context.Context, subscriberID int64) ([]model.Coupon, error) {
	args := m.Called(ctx, subscriberID)
	coupons, _ := args.Get(0).([]model.Coupon)
	return coupons, args.Error(1)
}

func newSubscriptionEngine(svc SubscriptionService, subscriberID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if subscriberID > 0 {
			c.Set(CtxSubscriberID, subscriberID)
		}
		c.Next()
	})
	h := NewSubscriptionHandler(svc, zap.NewNop())
	r.POST("/tiers/:id/subscribe", h.Subscribe)
	r.DELETE("/tiers/:id/subscribe", h.Cancel)
	r.GET("/me/coupons", h.ListCoupons)
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestSubscribePassesIdentityAndTier(t *testing.T) {
	svc := &mockSubscriptions{}
	svc.On("Subscribe", mock.Anything, int64(7), int64(3)).
		Return(&model.Subscription{SubscriberID: 7, CoachID: 1, TierID: 3}, nil).Once()

	w := serve(newSubscriptionEngine(svc, 7), http.MethodPost, "/tiers/3/subscribe")
	require.Equal(t, http.StatusOK, w.Code)

	var sub model.Subscription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, int64(3), sub.TierID)
	svc.AssertExpectations(t)
}

func TestSubscribeMapsBusinessErrors(t *testing.T) {
	svc := &mockSubscriptions{}
	svc.On("Subscribe", mock.Anything, int64(7), int64(3)).
		Return(nil, apperr.New(apperr.CodePaymentFailed, "could not create coupon")).Once()

	w := serve(newSubscriptionEngine(svc, 7), http.MethodPost, "/tiers/3/subscribe")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":{"code":"PAYMENT_FAILED","message":"could not create coupon"}}`, w.Body.String())
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	svc := &mockSubscriptions{}
	svc.On("Cancel", mock.Anything, int64(7), int64(3)).Return(errors.New("pq: connection reset")).Once()

	w := serve(newSubscriptionEngine(svc, 7), http.MethodDelete, "/tiers/3/subscribe")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestCancelReturnsNoContent(t *testing.T) {
	svc := &mockSubscriptions{}
	svc.On("Cancel", mock.Anything, int64(7), int64(3)).Return(nil).Once()

	w := serve(newSubscriptionEngine(svc, 7), http.MethodDelete, "/tiers/3/subscribe")
	assert.Equal(t, http.StatusNoContent, w.Code)
	svc.AssertExpectations(t)
}

func TestSubscriptionRoutesNeedIdentityAndValidID(t *testing.T) {
	svc := &mockSubscriptions{}

	w := serve(newSubscriptionEngine(svc, 0), http.MethodGet, "/me/coupons")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(newSubscriptionEngine(svc, 7), http.MethodPost, "/tiers/zero/subscribe")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "ListCoupons", mock.Anything, mock.Anything)
}

func TestListCouponsWrapsResult(t *testing.T) {
	svc := &mockSubscriptions{}
	svc.On("ListCoupons", mock.Anything, int64(7)).
		Return([]model.Coupon{{ID: 1, SubscriberID: 7, CoachID: 2, Valid: true, ExternalRef: "coupon_1"}}, nil).Once()

	w := serve(newSubscriptionEngine(svc, 7), http.MethodGet, "/me/coupons")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Coupons []model.Coupon `json:"coupons"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Coupons, 1)
	assert.True(t, body.Coupons[0].Valid)
}
