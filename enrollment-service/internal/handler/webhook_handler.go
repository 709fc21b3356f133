package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/metrics"
)

const (
	webhookBodyLimit = 64 << 10
	paymentDedupName = "payment_webhook"
	VideoTokenHeader = "X-Webhook-Token"
	videoAssetReady  = "video.asset.ready"
	stripeSigHeader  = "Stripe-Signature"
)

type EventParser interface {
	Parse(payload []byte, sigHeader string) (*payment.WebhookEvent, error)
}

type PaymentEventHandler interface {
	HandleWebhook(ctx context.Context, ev *payment.WebhookEvent) error
}

type VideoService interface {
	MarkVideoReady(ctx context.Context, passthrough, assetID, playbackID string) (*model.Report, error)
}

// EventDeduper 由 *util.Deduper 实现；只是快速路径，幂等最终由 attempt 的 CAS 保证
type EventDeduper interface {
	Seen(ctx context.Context, handler, id string) bool
	MarkDone(ctx context.Context, handler, id string)
}

type WebhookHandler struct {
	parser     EventParser
	payments   PaymentEventHandler
	videos     VideoService
	deduper    EventDeduper
	videoToken string
	logger     *zap.Logger
}

func NewWebhookHandler(
	parser EventParser,
	payments PaymentEventHandler,
	videos VideoService,
	deduper EventDeduper,
	videoToken string,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		parser:     parser,
		payments:   payments,
		videos:     videos,
		deduper:    deduper,
		videoToken: videoToken,
		logger:     logger,
	}
}

// Payment handles POST /webhooks/payment
func (h *WebhookHandler) Payment(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit))
	if err != nil {
		abortWithCode(c, apperr.CodeValidation, "failed to read request body")
		return
	}

	ev, err := h.parser.Parse(payload, c.GetHeader(stripeSigHeader))
	if err != nil {
		outcome := "invalid_payload"
		if errors.Is(err, payment.ErrInvalidSignature) {
			outcome = "invalid_signature"
		}
		metrics.IncrementPaymentWebhook("unknown", outcome)
		log.Warn("Rejected payment webhook", zap.String("outcome", outcome), zap.Error(err))
		abortWithCode(c, apperr.CodeValidation, "invalid webhook")
		return
	}
	log = log.With(zap.String("event_id", ev.ID), zap.String("type", ev.Type))

	if ev.Kind == payment.EventIgnored {
		metrics.IncrementPaymentWebhook(ev.Type, "ignored")
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "ignored"})
		return
	}

	if h.deduper != nil && h.deduper.Seen(ctx, paymentDedupName, ev.ID) {
		metrics.IncrementPaymentWebhook(ev.Type, "duplicate")
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "duplicate"})
		return
	}

	if err := h.payments.HandleWebhook(ctx, ev); err != nil {
		if apperr.CodeOf(err) != apperr.CodeInternal {
			// 业务上已判定的结果，处理方重投也不会改变
			h.markDone(ctx, ev.ID)
			metrics.IncrementPaymentWebhook(ev.Type, "rejected")
			log.Warn("Payment webhook not applied", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"received": true, "status": "rejected", "code": apperr.CodeOf(err)})
			return
		}
		metrics.IncrementPaymentWebhook(ev.Type, "failed")
		writeError(c, h.logger, err)
		return
	}

	h.markDone(ctx, ev.ID)
	metrics.IncrementPaymentWebhook(ev.Type, "processed")
	log.Info("Payment webhook processed", zap.String("reference", ev.Reference))
	c.JSON(http.StatusOK, gin.H{"received": true, "status": "processed"})
}

// markDone 在事件结果已落库后才记录
func (h *WebhookHandler) markDone(ctx context.Context, eventID string) {
	if h.deduper != nil {
		h.deduper.MarkDone(ctx, paymentDedupName, eventID)
	}
}

type videoWebhookRequest struct {
	Type string `json:"type"`
	Data struct {
		ID          string `json:"id"`
		Passthrough string `json:"passthrough"`
		PlaybackIDs []struct {
			ID     string `json:"id"`
			Policy string `json:"policy"`
		} `json:"playback_ids"`
	} `json:"data"`
}

// Video handles POST /webhooks/video
func (h *WebhookHandler) Video(c *gin.Context) {
	if h.videoToken == "" || subtle.ConstantTimeCompare([]byte(c.GetHeader(VideoTokenHeader)), []byte(h.videoToken)) != 1 {
		AbortUnauthorized(c, "invalid webhook token")
		return
	}

	var req videoWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithCode(c, apperr.CodeValidation, "invalid request body")
		return
	}
	if req.Type != videoAssetReady {
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "ignored"})
		return
	}

	var playbackID string
	if len(req.Data.PlaybackIDs) > 0 {
		playbackID = req.Data.PlaybackIDs[0].ID
	}

	report, err := h.videos.MarkVideoReady(c.Request.Context(), req.Data.Passthrough, req.Data.ID, playbackID)
	if apperr.Is(err, apperr.CodeNotFound) {
		// 可能是其他业务的视频
		c.JSON(http.StatusOK, gin.H{"received": true, "status": "ignored"})
		return
	}
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"received":     true,
		"status":       "processed",
		"report_id":    report.ID,
		"video_status": report.VideoStatus,
	})
}
