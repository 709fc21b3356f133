package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/metrics"
)

type Strategy string

const (
	// StrategyFirstFit fills teams one after another in creation order.
	StrategyFirstFit Strategy = "first_fit"
	// StrategyBestFit picks the emptiest eligible team, ties broken by creation order.
	StrategyBestFit Strategy = "best_fit"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyFirstFit:
		return StrategyFirstFit, nil
	case StrategyBestFit:
		return StrategyBestFit, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

// SelectTeam picks a team with spare capacity that has not started progressing.
// loads must be in creation order.
func SelectTeam(loads []model.TeamLoad, teamSize int, strategy Strategy) (int64, bool) {
	best := -1
	for i, l := range loads {
		if l.Started || l.MemberCount >= teamSize {
			continue
		}
		if strategy != StrategyBestFit {
			return l.TeamID, true
		}
		if best < 0 || l.MemberCount < loads[best].MemberCount {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return loads[best].TeamID, true
}

type Allocator struct {
	strategy Strategy
	emitter  *notify.Emitter
	logger   *zap.Logger
}

func NewAllocator(strategy Strategy, emitter *notify.Emitter, logger *zap.Logger) *Allocator {
	if strategy == "" {
		strategy = StrategyFirstFit
	}
	return &Allocator{strategy: strategy, emitter: emitter, logger: logger}
}

// Assign places the subscriber in a team of the project and returns it. q must be
// transactional: the project row lock serializes concurrent assignments. joined is
// false when the subscriber was already a member, in which case nothing changes.
func (a *Allocator) Assign(ctx context.Context, q repository.Queries, projectID, subscriberID int64) (team *model.Team, joined bool, err error) {
	log := logger.WithTrace(ctx, a.logger).With(
		zap.Int64("project_id", projectID),
		zap.Int64("subscriber_id", subscriberID),
	)

	project, err := q.LockProject(ctx, projectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, apperr.New(apperr.CodeProjectNotFound, "project not found")
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock project: %w", err)
	}

	team, err = q.FindMemberTeam(ctx, projectID, subscriberID)
	if err == nil {
		log.Debug("Subscriber already in a team", zap.Int64("team_id", team.ID))
		return team, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("find member team: %w", err)
	}

	coach, err := q.GetCoach(ctx, project.CoachID)
	if err != nil {
		return nil, false, fmt.Errorf("get coach: %w", err)
	}

	loads, err := q.ListTeamLoads(ctx, projectID)
	if err != nil {
		return nil, false, fmt.Errorf("list team loads: %w", err)
	}

	kind := "existing"
	if teamID, ok := SelectTeam(loads, project.TeamSize, a.strategy); ok {
		if err := a.join(ctx, q, teamID, subscriberID); err != nil {
			return nil, false, err
		}
		team, err = q.GetTeam(ctx, teamID)
		if err != nil {
			return nil, false, fmt.Errorf("get team: %w", err)
		}
	} else {
		kind = "created"
		if team, err = a.createTeam(ctx, q, project, coach, subscriberID); err != nil {
			return nil, false, err
		}
	}

	metrics.IncrementTeamAssignment(kind)
	log.Info("Subscriber assigned to team",
		zap.Int64("team_id", team.ID),
		zap.String("kind", kind),
		zap.Int("members", len(team.Members)),
		zap.Int("team_size", project.TeamSize),
	)

	a.emitter.Emit(ctx, q, model.Notification{
		ActorID:     subscriberID,
		RecipientID: coach.SubscriberID,
		Verb:        model.VerbJoinedProject,
		Subject:     model.Subject{Kind: model.SubjectProject, ID: project.ID},
	})
	return team, true, nil
}

func (a *Allocator) join(ctx context.Context, q repository.Queries, teamID, subscriberID int64) error {
	if err := q.AddTeamMember(ctx, teamID, subscriberID); err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	rooms, err := q.ListTeamRooms(ctx, teamID)
	if err != nil {
		return fmt.Errorf("list team rooms: %w", err)
	}
	for _, room := range rooms {
		if err := q.AddRoomMember(ctx, room.ID, subscriberID); err != nil {
			return fmt.Errorf("add room member: %w", err)
		}
	}
	return nil
}

func (a *Allocator) createTeam(ctx context.Context, q repository.Queries, project *model.Project, coach *model.Coach, subscriberID int64) (*model.Team, error) {
	subscriber, err := q.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}

	team, err := q.CreateTeam(ctx, project.ID, subscriber.Name)
	if err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	if err := q.AddTeamMember(ctx, team.ID, subscriberID); err != nil {
		return nil, fmt.Errorf("add team member: %w", err)
	}

	rooms := []model.ChatRoom{
		{TeamID: team.ID, Kind: model.RoomTeam, Name: team.Name, Members: []int64{subscriberID}},
		{TeamID: team.ID, Kind: model.RoomTeamWithCoach, Name: team.Name + " & " + coach.Name, Members: []int64{subscriberID, coach.SubscriberID}},
	}
	for i := range rooms {
		if err := q.CreateRoom(ctx, &rooms[i]); err != nil {
			return nil, fmt.Errorf("create %s room: %w", rooms[i].Kind, err)
		}
	}

	team.Members = []int64{subscriberID}
	return team, nil
}
