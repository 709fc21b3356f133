package repository

import (
	"context"
	"errors"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/pkg/outbox"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// ErrStale is returned when a conditional write finds the row changed since it was read.
var ErrStale = errors.New("record changed concurrently")

type CatalogQueries interface {
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	// LockProject reads the project and holds a row lock until the transaction ends.
	LockProject(ctx context.Context, id int64) (*model.Project, error)
	GetCoach(ctx context.Context, id int64) (*model.Coach, error)
	GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error)
	GetTier(ctx context.Context, id int64) (*model.Tier, error)
	GetMilestone(ctx context.Context, id int64) (*model.Milestone, error)
}

type LedgerQueries interface {
	GetSubscription(ctx context.Context, subscriberID, coachID int64) (*model.Subscription, error)
	// UpsertSubscription reports whether a row was inserted or changed. An existing row is
	// only replaced while its external_ref still equals prevRef, otherwise ErrStale.
	UpsertSubscription(ctx context.Context, s *model.Subscription, prevRef string) (bool, error)
	DeleteSubscription(ctx context.Context, subscriberID, coachID int64) error
}

type CouponQueries interface {
	GetCoupon(ctx context.Context, subscriberID, coachID int64) (*model.Coupon, error)
	InsertCouponIfAbsent(ctx context.Context, c *model.Coupon) (bool, error)
	// RedeemCoupon flips valid to false; false means someone else already did.
	RedeemCoupon(ctx context.Context, couponID int64) (bool, error)
	ListCoupons(ctx context.Context, subscriberID int64) ([]model.Coupon, error)
}

type TeamQueries interface {
	// ListTeamLoads returns the project's teams in creation order.
	ListTeamLoads(ctx context.Context, projectID int64) ([]model.TeamLoad, error)
	FindMemberTeam(ctx context.Context, projectID, subscriberID int64) (*model.Team, error)
	CreateTeam(ctx context.Context, projectID int64, name string) (*model.Team, error)
	AddTeamMember(ctx context.Context, teamID, subscriberID int64) error
	RemoveTeamMember(ctx context.Context, teamID, subscriberID int64) error
	GetTeam(ctx context.Context, id int64) (*model.Team, error)
	ListTeams(ctx context.Context, projectID int64) ([]model.Team, error)
	// ListCoachTeamsForMember returns the member's teams across the coach's projects, by team id.
	ListCoachTeamsForMember(ctx context.Context, coachID, subscriberID int64) ([]model.TeamRef, error)
	DeleteTeamIfEmpty(ctx context.Context, teamID int64) (bool, error)
}

type ChatQueries interface {
	CreateRoom(ctx context.Context, room *model.ChatRoom) error
	AddRoomMember(ctx context.Context, roomID, subscriberID int64) error
	RemoveRoomMember(ctx context.Context, roomID, subscriberID int64) error
	ListTeamRooms(ctx context.Context, teamID int64) ([]model.ChatRoom, error)
}

type AttemptQueries interface {
	// InsertAttempt is a no-op returning false when the reference already exists.
	InsertAttempt(ctx context.Context, a *model.EnrollmentAttempt) (bool, error)
	GetAttempt(ctx context.Context, reference string) (*model.EnrollmentAttempt, error)
	// FindOpenAttempt returns the newest attempt of the given method still waiting for payment.
	FindOpenAttempt(ctx context.Context, subscriberID, projectID int64, method model.PaymentMethod) (*model.EnrollmentAttempt, error)
	// CompleteAttempt moves created|failed to completed. Only one caller ever sees true.
	CompleteAttempt(ctx context.Context, reference, trigger string) (bool, error)
	SetAttemptTeam(ctx context.Context, reference string, teamID int64) error
	FailAttempt(ctx context.Context, reference, reason string) (bool, error)
}

type ReportQueries interface {
	InsertReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id int64) (*model.Report, error)
	LockReport(ctx context.Context, id int64) (*model.Report, error)
	// UpdateReportDecision only applies to PENDING reports.
	UpdateReportDecision(ctx context.Context, id int64, status model.ReportStatus, feedback string) (bool, error)
	MarkVideoReady(ctx context.Context, passthrough, assetID, playbackID string) (int64, error)
	CountProcessingVideos(ctx context.Context, reportID int64) (int, error)
	SetReportVideoStatus(ctx context.Context, reportID int64, status model.VideoStatus) error
	RecordMilestoneCompletion(ctx context.Context, milestoneID, teamID int64) error
}

type OutboxQueries interface {
	InsertOutboxEvent(ctx context.Context, e *outbox.Event) error
}

// Queries is everything the services read and write, inside or outside a transaction.
type Queries interface {
	CatalogQueries
	LedgerQueries
	CouponQueries
	TeamQueries
	ChatQueries
	AttemptQueries
	ReportQueries
	OutboxQueries
}

// Store runs fn against a transactional Queries; an error from fn rolls everything back.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}
