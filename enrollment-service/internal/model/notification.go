package model

import "fmt"

type SubjectKind string

const (
	SubjectProject      SubjectKind = "project"
	SubjectTeam         SubjectKind = "team"
	SubjectReport       SubjectKind = "report"
	SubjectSubscription SubjectKind = "subscription"
)

const (
	VerbJoinedProject      = "Just joined your project"
	VerbCompletedMilestone = "completed a milestone"
	VerbMilestoneAccepted  = "marked your milestone as complete!"
	VerbMilestoneRejected  = "marked your milestone as rejected"
)

// VerbSubscribed names the tier the subscriber picked.
func VerbSubscribed(tierLabel string) string {
	return fmt.Sprintf("Just subscribed on your %s tier!", tierLabel)
}

type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   int64       `json:"id"`
}

// Notification is an actor-verb-recipient record. Delivery is best-effort.
type Notification struct {
	ActorID     int64   `json:"actor_id"`
	RecipientID int64   `json:"recipient_id"`
	Verb        string  `json:"verb"`
	Subject     Subject `json:"subject"`
}
