package mq

import "time"

const (
	RoutingKeyNotificationCreated = "notification.created"
	RoutingKeyEnrollmentCompleted = "enrollment.completed"
)

// NotificationCreatedPayload 一条待投递的站内通知；EventID 用于消费端去重
type NotificationCreatedPayload struct {
	EventID     string    `json:"event_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	ActorID     int64     `json:"actor_id"`
	RecipientID int64     `json:"recipient_id"`
	Verb        string    `json:"verb"`
	SubjectKind string    `json:"subject_kind"`
	SubjectID   int64     `json:"subject_id"`
	CreatedAt   time.Time `json:"created_at"`
}
