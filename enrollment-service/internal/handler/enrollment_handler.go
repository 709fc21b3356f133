package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/service"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
)

type EnrollmentService interface {
	RequestEnrollment(ctx context.Context, subscriberID, projectID int64) (*service.EnrollmentResult, error)
	ConfirmPayment(ctx context.Context, subscriberID int64, reference string) (*model.Team, error)
	GetAttempt(ctx context.Context, subscriberID int64, reference string) (*model.EnrollmentAttempt, error)
	ListProjectTeams(ctx context.Context, projectID int64) ([]model.Team, error)
}

type EnrollmentHandler struct {
	enrollments EnrollmentService
	logger      *zap.Logger
}

func NewEnrollmentHandler(enrollments EnrollmentService, logger *zap.Logger) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, logger: logger}
}

// Join handles POST /projects/:id/join
// 200 带 team 表示已入组；202 带 pending_payment 表示客户端需要完成支付
func (h *EnrollmentHandler) Join(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := h.enrollments.RequestEnrollment(c.Request.Context(), subscriberID, projectID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	if res.Pending != nil {
		c.JSON(http.StatusAccepted, res)
		return
	}
	logger.WithTrace(c.Request.Context(), h.logger).Debug("Join resolved immediately",
		zap.Int64("subscriber_id", subscriberID),
		zap.Int64("team_id", res.Team.ID),
	)
	c.JSON(http.StatusOK, res)
}

// ConfirmPayment handles POST /payments/:reference/confirm
func (h *EnrollmentHandler) ConfirmPayment(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	reference := strings.TrimSpace(c.Param("reference"))
	if reference == "" {
		abortWithCode(c, apperr.CodeValidation, "invalid reference")
		return
	}

	team, err := h.enrollments.ConfirmPayment(c.Request.Context(), subscriberID, reference)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": team})
}

// GetPayment handles GET /payments/:reference
func (h *EnrollmentHandler) GetPayment(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}

	attempt, err := h.enrollments.GetAttempt(c.Request.Context(), subscriberID, c.Param("reference"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, attempt)
}

// ListTeams handles GET /projects/:id/teams
func (h *EnrollmentHandler) ListTeams(c *gin.Context) {
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}

	teams, err := h.enrollments.ListProjectTeams(c.Request.Context(), projectID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"teams": teams, "count": len(teams)})
}
