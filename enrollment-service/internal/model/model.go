package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TierLevel is a coach's pricing level. Higher levels rank above lower ones.
type TierLevel string

const (
	TierFree  TierLevel = "FR"
	TierOne   TierLevel = "T1"
	TierTwo   TierLevel = "T2"
	TierThree TierLevel = "T3"
)

var tierRanks = map[TierLevel]int{
	TierFree:  0,
	TierOne:   1,
	TierTwo:   2,
	TierThree: 3,
}

func (l TierLevel) Rank() int {
	return tierRanks[l]
}

func (l TierLevel) Valid() bool {
	_, ok := tierRanks[l]
	return ok
}

// ParseTierLevel accepts the stored two-letter codes.
func ParseTierLevel(s string) (TierLevel, error) {
	l := TierLevel(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown tier level %q", s)
	}
	return l, nil
}

type Subscriber struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	CustomerID string `json:"-"`
}

type Coach struct {
	ID              int64  `json:"id"`
	SubscriberID    int64  `json:"subscriber_id"`
	Name            string `json:"name"`
	PayoutAccountID string `json:"-"`
}

type Tier struct {
	ID      int64           `json:"id"`
	CoachID int64           `json:"coach_id"`
	Level   TierLevel       `json:"level"`
	Label   string          `json:"label"`
	Credit  decimal.Decimal `json:"credit"`
	// PriceID is the processor's recurring price. Only the free tier may leave it empty.
	PriceID string `json:"price_id,omitempty"`
}

func (t *Tier) Billable() bool {
	return t.PriceID != ""
}

type Subscription struct {
	SubscriberID int64 `json:"subscriber_id"`
	CoachID      int64 `json:"coach_id"`
	TierID       int64 `json:"tier_id"`
	// ExternalRef is the processor subscription billing this tier; empty on the free tier.
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Coupon struct {
	ID           int64      `json:"id"`
	SubscriberID int64      `json:"subscriber_id"`
	CoachID      int64      `json:"coach_id"`
	Valid        bool       `json:"valid"`
	ExternalRef  string     `json:"external_ref"`
	CreatedAt    time.Time  `json:"created_at"`
	RedeemedAt   *time.Time `json:"redeemed_at,omitempty"`
}

type Project struct {
	ID       int64  `json:"id"`
	CoachID  int64  `json:"coach_id"`
	Name     string `json:"name"`
	TeamSize int    `json:"team_size"`
	PriceID  string `json:"price_id"`
}

type Milestone struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Position    int    `json:"position"`
	Description string `json:"description"`
}

type Team struct {
	ID                    int64     `json:"id"`
	ProjectID             int64     `json:"project_id"`
	Name                  string    `json:"name"`
	Members               []int64   `json:"members"`
	HasStartedProgressing bool      `json:"has_started_progressing"`
	CreatedAt             time.Time `json:"created_at"`
}

func (t *Team) HasMember(subscriberID int64) bool {
	for _, m := range t.Members {
		if m == subscriberID {
			return true
		}
	}
	return false
}

// TeamLoad is the allocator's view of a team: how full it is and whether it has started.
type TeamLoad struct {
	TeamID      int64
	MemberCount int
	Started     bool
}

type TeamRef struct {
	TeamID    int64
	ProjectID int64
}

type RoomKind string

const (
	RoomTeam          RoomKind = "team"
	RoomTeamWithCoach RoomKind = "team_with_coach"
)

type ChatRoom struct {
	ID      int64    `json:"id"`
	TeamID  int64    `json:"team_id"`
	Kind    RoomKind `json:"kind"`
	Name    string   `json:"name"`
	Members []int64  `json:"members"`
}

type ReportStatus string

const (
	ReportPending  ReportStatus = "PENDING"
	ReportAccepted ReportStatus = "ACCEPTED"
	ReportRejected ReportStatus = "REJECTED"
)

func (s ReportStatus) Terminal() bool {
	return s == ReportAccepted || s == ReportRejected
}

type VideoStatus string

const (
	VideoProcessing VideoStatus = "PROCESSING"
	VideoDone       VideoStatus = "DONE"
	VideoReady      VideoStatus = "READY"
)

type Video struct {
	ID          int64       `json:"id"`
	Passthrough string      `json:"passthrough"`
	AssetID     string      `json:"asset_id,omitempty"`
	PlaybackID  string      `json:"playback_id,omitempty"`
	Status      VideoStatus `json:"status"`
}

type Report struct {
	ID          int64        `json:"id"`
	MilestoneID int64        `json:"milestone_id"`
	TeamID      int64        `json:"team_id"`
	SubmittedBy int64        `json:"submitted_by"`
	Status      ReportStatus `json:"status"`
	Message     string       `json:"message"`
	Feedback    string       `json:"feedback,omitempty"`
	Members     []int64      `json:"members"`
	Images      []string     `json:"images"`
	VideoStatus VideoStatus  `json:"video_status"`
	Videos      []Video      `json:"videos"`
	CreatedAt   time.Time    `json:"created_at"`
	ReviewedAt  *time.Time   `json:"reviewed_at,omitempty"`
}

type AttemptStatus string

const (
	AttemptCreated   AttemptStatus = "created"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)

type PaymentMethod string

const (
	MethodCharge  PaymentMethod = "charge"
	MethodInvoice PaymentMethod = "invoice"
)

// EnrollmentAttempt is keyed by the processor reference and moves to completed at most once.
type EnrollmentAttempt struct {
	Reference     string        `json:"reference"`
	SubscriberID  int64         `json:"subscriber_id"`
	ProjectID     int64         `json:"project_id"`
	Method        PaymentMethod `json:"method"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Status        AttemptStatus `json:"status"`
	Trigger       string        `json:"trigger,omitempty"`
	TeamID        *int64        `json:"team_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
