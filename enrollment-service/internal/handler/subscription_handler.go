package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

type SubscriptionService interface {
	Subscribe(ctx context.Context, subscriberID, tierID int64) (*model.Subscription, error)
	Cancel(ctx context.Context, subscriberID, tierID int64) error
	ListCoupons(ctx context.Context, subscriberID int64) ([]model.Coupon, error)
}

type SubscriptionHandler struct {
	subscriptions SubscriptionService
	logger        *zap.Logger
}

func NewSubscriptionHandler(subscriptions SubscriptionService, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions, logger: logger}
}

// Subscribe handles POST /tiers/:id/subscribe
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	tierID, ok := pathID(c, "id")
	if !ok {
		return
	}

	sub, err := h.subscriptions.Subscribe(c.Request.Context(), subscriberID, tierID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// Cancel handles DELETE /tiers/:id/subscribe
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	tierID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.subscriptions.Cancel(c.Request.Context(), subscriberID, tierID); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListCoupons handles GET /me/coupons
func (h *SubscriptionHandler) ListCoupons(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}

	coupons, err := h.subscriptions.ListCoupons(c.Request.Context(), subscriberID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}
