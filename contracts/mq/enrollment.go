package mq

import "time"

// EnrollmentCompletedPayload 支付完成并分组成功后发出
type EnrollmentCompletedPayload struct {
	TraceID      string    `json:"trace_id,omitempty"`
	Reference    string    `json:"reference"`
	Trigger      string    `json:"trigger"`
	SubscriberID int64     `json:"subscriber_id"`
	ProjectID    int64     `json:"project_id"`
	TeamID       int64     `json:"team_id"`
	CompletedAt  time.Time `json:"completed_at"`
}
