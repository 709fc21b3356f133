package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqcontracts "cohortengine/contracts/mq"
	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/outbox"
	"cohortengine/pkg/trace"
)

// Emitter writes notifications to the outbox in the caller's transaction.
// Failures are logged and swallowed; they never fail the business operation.
type Emitter struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewEmitter(logger *zap.Logger) *Emitter {
	return &Emitter{logger: logger, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, q repository.OutboxQueries, n model.Notification) {
	log := logger.WithTrace(ctx, e.logger)

	payload := mqcontracts.NotificationCreatedPayload{
		EventID:     uuid.NewString(),
		TraceID:     trace.FromContext(ctx),
		ActorID:     n.ActorID,
		RecipientID: n.RecipientID,
		Verb:        n.Verb,
		SubjectKind: string(n.Subject.Kind),
		SubjectID:   n.Subject.ID,
		CreatedAt:   e.now().UTC(),
	}
	subjectID := n.Subject.ID
	event, err := outbox.NewEvent(string(n.Subject.Kind), &subjectID, mqcontracts.RoutingKeyNotificationCreated, payload)
	if err == nil {
		err = q.InsertOutboxEvent(ctx, event)
	}
	if err != nil {
		log.Warn("Dropping notification",
			zap.Int64("recipient_id", n.RecipientID),
			zap.String("verb", n.Verb),
			zap.Error(err),
		)
		return
	}

	log.Debug("Notification queued",
		zap.String("event_id", payload.EventID),
		zap.Int64("recipient_id", n.RecipientID),
		zap.String("subject_kind", string(n.Subject.Kind)),
	)
}

// EnrollmentCompleted announces a paid enrollment for downstream consumers. Best-effort like Emit.
func (e *Emitter) EnrollmentCompleted(ctx context.Context, q repository.OutboxQueries, a *model.EnrollmentAttempt, teamID int64) {
	payload := mqcontracts.EnrollmentCompletedPayload{
		TraceID:      trace.FromContext(ctx),
		Reference:    a.Reference,
		Trigger:      a.Trigger,
		SubscriberID: a.SubscriberID,
		ProjectID:    a.ProjectID,
		TeamID:       teamID,
		CompletedAt:  e.now().UTC(),
	}
	event, err := outbox.NewEvent("enrollment", &teamID, mqcontracts.RoutingKeyEnrollmentCompleted, payload)
	if err == nil {
		err = q.InsertOutboxEvent(ctx, event)
	}
	if err != nil {
		logger.WithTrace(ctx, e.logger).Warn("Dropping enrollment.completed event",
			zap.String("reference", a.Reference),
			zap.Error(err),
		)
	}
}
