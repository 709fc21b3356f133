package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cohortengine/notification-service/internal/repository"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/metrics"
)

// Pusher 把通知推到用户的在线通道
type Pusher interface {
	Push(ctx context.Context, n *repository.Notification) error
}

type DeliveryStore interface {
	MarkDelivered(ctx context.Context, id int64) error
}

type NotificationSender struct {
	store  DeliveryStore
	pusher Pusher
	logger *zap.Logger
}

func NewNotificationSender(store DeliveryStore, pusher Pusher, logger *zap.Logger) *NotificationSender {
	return &NotificationSender{
		store:  store,
		pusher: pusher,
		logger: logger,
	}
}

// Deliver 推送失败只记录，通知已落库，用户拉取列表时仍能看到
func (s *NotificationSender) Deliver(ctx context.Context, n *repository.Notification) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("notification_id", n.ID),
		zap.Int64("recipient_id", n.RecipientID),
	)

	if err := s.pusher.Push(ctx, n); err != nil {
		metrics.IncrementNotificationDelivery("push_failed")
		log.Warn("Failed to push notification", zap.Error(err))
		return
	}
	if err := s.store.MarkDelivered(ctx, n.ID); err != nil {
		metrics.IncrementNotificationDelivery("mark_failed")
		log.Warn("Pushed notification but failed to mark delivered", zap.Error(err))
		return
	}
	metrics.IncrementNotificationDelivery("delivered")
	log.Info("Notification delivered")
}

// LogPusher 没有接入推送通道时使用，只写日志
type LogPusher struct {
	logger *zap.Logger
}

func NewLogPusher(logger *zap.Logger) *LogPusher {
	return &LogPusher{logger: logger}
}

func (p *LogPusher) Push(ctx context.Context, n *repository.Notification) error {
	logger.WithTrace(ctx, p.logger).Info("Push notification",
		zap.Int64("recipient_id", n.RecipientID),
		zap.String("text", Render(n)),
	)
	return nil
}

// Render 组装展示文本，例如 "#12 Just joined your project (project 3)"
func Render(n *repository.Notification) string {
	return fmt.Sprintf("#%d %s (%s %d)", n.ActorID, n.Verb, n.SubjectKind, n.SubjectID)
}
