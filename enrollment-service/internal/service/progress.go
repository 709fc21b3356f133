package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/metrics"
)

type SubmitInput struct {
	MilestoneID int64
	TeamID      int64
	SubmitterID int64
	Members     []int64
	Message     string
	Images      []string
	// VideoCount placeholders are created, each with a passthrough id for the upload pipeline.
	VideoCount int
}

type ProgressService struct {
	store   repository.Store
	emitter *notify.Emitter
	logger  *zap.Logger
}

func NewProgressService(store repository.Store, emitter *notify.Emitter, logger *zap.Logger) *ProgressService {
	return &ProgressService{store: store, emitter: emitter, logger: logger}
}

// Submit records a PENDING completion report. From this point the team counts as started.
func (s *ProgressService) Submit(ctx context.Context, in SubmitInput) (*model.Report, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, apperr.New(apperr.CodeValidation, "message is required")
	}
	if in.VideoCount < 0 {
		return nil, apperr.New(apperr.CodeValidation, "video count cannot be negative")
	}

	milestone, err := s.store.GetMilestone(ctx, in.MilestoneID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "milestone not found")
	}
	if err != nil {
		return nil, internal("load milestone", err)
	}

	// 锁住项目后再校验成员资格，避免与取消订阅交错
	var report *model.Report
	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		project, err := q.LockProject(ctx, milestone.ProjectID)
		if err != nil {
			return fmt.Errorf("lock project: %w", err)
		}
		team, err := q.GetTeam(ctx, in.TeamID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "team not found")
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}
		if team.ProjectID != milestone.ProjectID {
			return apperr.New(apperr.CodeValidation, "milestone belongs to another project")
		}
		if !team.HasMember(in.SubmitterID) {
			return apperr.New(apperr.CodeForbidden, "only team members can submit reports")
		}
		members, err := reportMembers(team, in)
		if err != nil {
			return err
		}
		coach, err := q.GetCoach(ctx, project.CoachID)
		if err != nil {
			return fmt.Errorf("load coach: %w", err)
		}

		report = newReport(milestone.ID, team.ID, in, members)
		if err := q.InsertReport(ctx, report); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		s.emitter.Emit(ctx, q, model.Notification{
			ActorID:     in.SubmitterID,
			RecipientID: coach.SubscriberID,
			Verb:        model.VerbCompletedMilestone,
			Subject:     model.Subject{Kind: model.SubjectReport, ID: report.ID},
		})
		return nil
	})
	if err != nil {
		return nil, asAppErr("submit report", err)
	}

	logger.WithTrace(ctx, s.logger).Info("Milestone report submitted",
		zap.Int64("report_id", report.ID),
		zap.Int64("milestone_id", milestone.ID),
		zap.Int64("team_id", report.TeamID),
		zap.Int("videos", in.VideoCount),
	)
	return report, nil
}

func newReport(milestoneID, teamID int64, in SubmitInput, members []int64) *model.Report {
	report := &model.Report{
		MilestoneID: milestoneID,
		TeamID:      teamID,
		SubmittedBy: in.SubmitterID,
		Message:     in.Message,
		Members:     members,
		Images:      in.Images,
		VideoStatus: model.VideoDone,
	}
	for i := 0; i < in.VideoCount; i++ {
		report.Videos = append(report.Videos, model.Video{Passthrough: uuid.NewString(), Status: model.VideoProcessing})
	}
	if in.VideoCount > 0 {
		report.VideoStatus = model.VideoProcessing
	}
	return report
}

func reportMembers(team *model.Team, in SubmitInput) ([]int64, error) {
	if len(in.Members) == 0 {
		return []int64{in.SubmitterID}, nil
	}
	seen := make(map[int64]bool, len(in.Members))
	members := make([]int64, 0, len(in.Members))
	for _, m := range in.Members {
		if seen[m] {
			continue
		}
		if !team.HasMember(m) {
			return nil, apperr.Newf(apperr.CodeValidation, "subscriber %d is not a member of this team", m)
		}
		seen[m] = true
		members = append(members, m)
	}
	return members, nil
}

// Review moves a PENDING report to ACCEPTED or REJECTED and notifies its members.
// Repeating the recorded decision is a no-op; changing it is rejected.
func (s *ProgressService) Review(ctx context.Context, reportID, callerID int64, decision model.ReportStatus, feedback string) (*model.Report, error) {
	if !decision.Terminal() {
		return nil, apperr.New(apperr.CodeValidation, "decision must be ACCEPTED or REJECTED")
	}

	var (
		result  *model.Report
		applied bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		report, err := q.LockReport(ctx, reportID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "report not found")
		}
		if err != nil {
			return fmt.Errorf("lock report: %w", err)
		}

		coach, err := s.reportCoach(ctx, q, report)
		if err != nil {
			return err
		}
		if coach.SubscriberID != callerID {
			return apperr.New(apperr.CodeForbidden, "only the project's coach can review this report")
		}

		if report.Status.Terminal() {
			if report.Status != decision {
				return apperr.Newf(apperr.CodeInvalidTransition, "report is already %s", report.Status)
			}
			result, err = q.GetReport(ctx, reportID)
			return err
		}

		ok, err := q.UpdateReportDecision(ctx, reportID, decision, feedback)
		if err != nil {
			return fmt.Errorf("update decision: %w", err)
		}
		if !ok {
			return apperr.New(apperr.CodeConflict, "report was reviewed concurrently")
		}

		verb := model.VerbMilestoneRejected
		if decision == model.ReportAccepted {
			verb = model.VerbMilestoneAccepted
			if err := q.RecordMilestoneCompletion(ctx, report.MilestoneID, report.TeamID); err != nil {
				return fmt.Errorf("record completion: %w", err)
			}
		}
		for _, member := range report.Members {
			s.emitter.Emit(ctx, q, model.Notification{
				ActorID:     callerID,
				RecipientID: member,
				Verb:        verb,
				Subject:     model.Subject{Kind: model.SubjectReport, ID: report.ID},
			})
		}

		applied = true
		result, err = q.GetReport(ctx, reportID)
		return err
	})
	if err != nil {
		return nil, asAppErr("review report", err)
	}

	if applied {
		metrics.IncrementReviewDecision(string(decision))
		logger.WithTrace(ctx, s.logger).Info("Milestone report reviewed",
			zap.Int64("report_id", reportID),
			zap.String("decision", string(decision)),
			zap.Int("notified", len(result.Members)),
		)
	}
	return result, nil
}

func (s *ProgressService) reportCoach(ctx context.Context, q repository.Queries, report *model.Report) (*model.Coach, error) {
	team, err := q.GetTeam(ctx, report.TeamID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	project, err := q.GetProject(ctx, team.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	coach, err := q.GetCoach(ctx, project.CoachID)
	if err != nil {
		return nil, fmt.Errorf("load coach: %w", err)
	}
	return coach, nil
}

// MarkVideoReady is driven by the upload pipeline. The report's video status turns
// DONE once none of its videos are still processing.
func (s *ProgressService) MarkVideoReady(ctx context.Context, passthrough, assetID, playbackID string) (*model.Report, error) {
	if _, err := uuid.Parse(passthrough); err != nil {
		return nil, apperr.New(apperr.CodeValidation, "passthrough must be a UUID")
	}

	var reportID int64
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		reportID, err = q.MarkVideoReady(ctx, passthrough, assetID, playbackID)
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.CodeNotFound, "no video with this passthrough")
		}
		if err != nil {
			return fmt.Errorf("mark video ready: %w", err)
		}
		remaining, err := q.CountProcessingVideos(ctx, reportID)
		if err != nil {
			return fmt.Errorf("count processing videos: %w", err)
		}
		if remaining == 0 {
			return q.SetReportVideoStatus(ctx, reportID, model.VideoDone)
		}
		return nil
	})
	if err != nil {
		return nil, asAppErr("mark video ready", err)
	}

	logger.WithTrace(ctx, s.logger).Info("Report video ready",
		zap.Int64("report_id", reportID),
		zap.String("passthrough", passthrough),
	)
	return s.store.GetReport(ctx, reportID)
}

// GetReport is visible to members of the report's team and to the project's coach.
func (s *ProgressService) GetReport(ctx context.Context, reportID, callerID int64) (*model.Report, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "report not found")
	}
	if err != nil {
		return nil, internal("load report", err)
	}

	team, err := s.store.GetTeam(ctx, report.TeamID)
	if err != nil {
		return nil, internal("load team", err)
	}
	if team.HasMember(callerID) {
		return report, nil
	}
	coach, err := s.reportCoach(ctx, s.store, report)
	if err != nil {
		return nil, internal("load coach", err)
	}
	if coach.SubscriberID != callerID {
		return nil, apperr.New(apperr.CodeForbidden, "not allowed to view this report")
	}
	return report, nil
}
