package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/service"
)

type ProgressService interface {
	Submit(ctx context.Context, in service.SubmitInput) (*model.Report, error)
	Review(ctx context.Context, reportID, callerID int64, decision model.ReportStatus, feedback string) (*model.Report, error)
	GetReport(ctx context.Context, reportID, callerID int64) (*model.Report, error)
}

type ProgressHandler struct {
	progress  ProgressService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewProgressHandler(progress ProgressService, validate *validator.Validate, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{progress: progress, validator: validate, logger: logger}
}

type submitReportRequest struct {
	TeamID     int64    `json:"team_id" validate:"required,gt=0"`
	Members    []int64  `json:"members" validate:"omitempty,dive,gt=0"`
	Message    string   `json:"message" validate:"required,max=5000"`
	Images     []string `json:"images" validate:"omitempty,max=20,dive,url"`
	VideoCount int      `json:"video_count" validate:"min=0,max=5"`
}

type reviewReportRequest struct {
	Decision model.ReportStatus `json:"decision" validate:"required,oneof=ACCEPTED REJECTED"`
	Feedback string             `json:"feedback" validate:"max=5000"`
}

// Submit handles POST /milestones/:id/reports
func (h *ProgressHandler) Submit(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	milestoneID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req submitReportRequest
	if !bindJSON(c, h.validator, &req) {
		return
	}

	report, err := h.progress.Submit(c.Request.Context(), service.SubmitInput{
		MilestoneID: milestoneID,
		TeamID:      req.TeamID,
		SubmitterID: subscriberID,
		Members:     req.Members,
		Message:     req.Message,
		Images:      req.Images,
		VideoCount:  req.VideoCount,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

// Review handles PATCH /reports/:id
func (h *ProgressHandler) Review(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	reportID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reviewReportRequest
	if !bindJSON(c, h.validator, &req) {
		return
	}

	report, err := h.progress.Review(c.Request.Context(), reportID, subscriberID, req.Decision, req.Feedback)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetReport handles GET /reports/:id
func (h *ProgressHandler) GetReport(c *gin.Context) {
	subscriberID, ok := currentSubscriber(c)
	if !ok {
		return
	}
	reportID, ok := pathID(c, "id")
	if !ok {
		return
	}

	report, err := h.progress.GetReport(c.Request.Context(), reportID, subscriberID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
