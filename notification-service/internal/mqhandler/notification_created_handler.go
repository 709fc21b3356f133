package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	mqcontracts "cohortengine/contracts/mq"
	"cohortengine/notification-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
)

const handlerName = "notification_created"

type NotificationStore interface {
	Insert(ctx context.Context, n *repository.Notification) (bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, n *repository.Notification)
}

// Deduper 由 *util.Deduper 实现，可以为 nil
type Deduper interface {
	Seen(ctx context.Context, handler, id string) bool
	MarkDone(ctx context.Context, handler, id string)
}

type NotificationCreatedHandler struct {
	store   NotificationStore
	sender  Deliverer
	deduper Deduper
	logger  *zap.Logger
}

func NewNotificationCreatedHandler(
	store NotificationStore,
	sender Deliverer,
	deduper Deduper,
	logger *zap.Logger,
) *NotificationCreatedHandler {
	return &NotificationCreatedHandler{
		store:   store,
		sender:  sender,
		deduper: deduper,
		logger:  logger,
	}
}

func (h *NotificationCreatedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mqcontracts.NotificationCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal NotificationCreatedPayload", zap.Error(err))
		return err
	}
	if p.EventID == "" || p.RecipientID <= 0 {
		return apperr.New(apperr.CodeValidation, "notification event without event_id or recipient")
	}

	log = log.With(zap.String("event_id", p.EventID), zap.Int64("recipient_id", p.RecipientID))
	log.Info("Handling notification.created event", zap.String("verb", p.Verb))

	if h.deduper != nil && h.deduper.Seen(ctx, handlerName, p.EventID) {
		return nil
	}

	n := &repository.Notification{
		EventID:     p.EventID,
		RecipientID: p.RecipientID,
		ActorID:     p.ActorID,
		Verb:        p.Verb,
		SubjectKind: p.SubjectKind,
		SubjectID:   p.SubjectID,
	}
	inserted, err := h.store.Insert(ctx, n)
	if err != nil {
		// 不记录去重键，重投的消息会再次写入
		log.Error("Failed to insert notification", zap.Error(err))
		return err
	}
	if h.deduper != nil {
		h.deduper.MarkDone(ctx, handlerName, p.EventID)
	}
	if !inserted {
		return nil
	}

	h.sender.Deliver(ctx, n)
	return nil
}
