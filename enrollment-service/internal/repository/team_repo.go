package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

const teamSelect = `
	SELECT t.id, t.project_id, t.name, t.created_at,
	       COALESCE(array_agg(m.subscriber_id ORDER BY m.joined_at, m.subscriber_id)
	                FILTER (WHERE m.subscriber_id IS NOT NULL), '{}') AS members,
	       EXISTS (SELECT 1 FROM milestone_reports r WHERE r.team_id = t.id) AS started
	FROM teams t
	LEFT JOIN team_members m ON m.team_id = t.id
`

func scanTeam(row pgx.Row) (*model.Team, error) {
	var t model.Team
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.CreatedAt, &t.Members, &t.HasStartedProgressing); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *pgQueries) ListTeamLoads(ctx context.Context, projectID int64) ([]model.TeamLoad, error) {
	rows, err := q.db.Query(ctx, `
		SELECT t.id,
		       (SELECT COUNT(*) FROM team_members m WHERE m.team_id = t.id),
		       EXISTS (SELECT 1 FROM milestone_reports r WHERE r.team_id = t.id)
		FROM teams t
		WHERE t.project_id = $1
		ORDER BY t.created_at, t.id
	`, projectID)
	if err != nil {
		q.logger.Error("Failed to list team loads", zap.Int64("project_id", projectID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var loads []model.TeamLoad
	for rows.Next() {
		var l model.TeamLoad
		if err := rows.Scan(&l.TeamID, &l.MemberCount, &l.Started); err != nil {
			return nil, err
		}
		loads = append(loads, l)
	}
	return loads, rows.Err()
}

func (q *pgQueries) FindMemberTeam(ctx context.Context, projectID, subscriberID int64) (*model.Team, error) {
	var teamID int64
	err := q.db.QueryRow(ctx, `
		SELECT t.id
		FROM teams t
		JOIN team_members m ON m.team_id = t.id
		WHERE t.project_id = $1 AND m.subscriber_id = $2
		ORDER BY t.id
		LIMIT 1
	`, projectID, subscriberID).Scan(&teamID)
	if err != nil {
		return nil, notFound(err)
	}
	return q.GetTeam(ctx, teamID)
}

func (q *pgQueries) CreateTeam(ctx context.Context, projectID int64, name string) (*model.Team, error) {
	q.logger.Debug("Creating team", zap.Int64("project_id", projectID), zap.String("name", name))

	t := model.Team{ProjectID: projectID, Name: name, Members: []int64{}}
	err := q.db.QueryRow(ctx, `
		INSERT INTO teams (project_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, projectID, name).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		q.logger.Error("Failed to create team", zap.Error(err))
		return nil, err
	}

	q.logger.Info("Team created", zap.Int64("team_id", t.ID), zap.Int64("project_id", projectID))
	return &t, nil
}

func (q *pgQueries) AddTeamMember(ctx context.Context, teamID, subscriberID int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO team_members (team_id, subscriber_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, teamID, subscriberID)
	if err != nil {
		q.logger.Error("Failed to add team member",
			zap.Int64("team_id", teamID),
			zap.Int64("subscriber_id", subscriberID),
			zap.Error(err),
		)
	}
	return err
}

func (q *pgQueries) RemoveTeamMember(ctx context.Context, teamID, subscriberID int64) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND subscriber_id = $2`,
		teamID, subscriberID,
	)
	return err
}

func (q *pgQueries) GetTeam(ctx context.Context, id int64) (*model.Team, error) {
	t, err := scanTeam(q.db.QueryRow(ctx, teamSelect+` WHERE t.id = $1 GROUP BY t.id`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (q *pgQueries) ListTeams(ctx context.Context, projectID int64) ([]model.Team, error) {
	rows, err := q.db.Query(ctx,
		teamSelect+` WHERE t.project_id = $1 GROUP BY t.id ORDER BY t.created_at, t.id`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

func (q *pgQueries) ListCoachTeamsForMember(ctx context.Context, coachID, subscriberID int64) ([]model.TeamRef, error) {
	rows, err := q.db.Query(ctx, `
		SELECT t.id, t.project_id
		FROM teams t
		JOIN projects p ON p.id = t.project_id
		JOIN team_members m ON m.team_id = t.id
		WHERE p.coach_id = $1 AND m.subscriber_id = $2
		ORDER BY t.id
	`, coachID, subscriberID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TeamRef, error) {
		var ref model.TeamRef
		err := row.Scan(&ref.TeamID, &ref.ProjectID)
		return ref, err
	})
}

func (q *pgQueries) DeleteTeamIfEmpty(ctx context.Context, teamID int64) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM teams t
		WHERE t.id = $1
		  AND NOT EXISTS (SELECT 1 FROM team_members m WHERE m.team_id = t.id)
	`, teamID)
	if err != nil {
		q.logger.Error("Failed to delete empty team", zap.Int64("team_id", teamID), zap.Error(err))
		return false, err
	}
	if tag.RowsAffected() == 1 {
		q.logger.Info("Empty team deleted", zap.Int64("team_id", teamID))
		return true, nil
	}
	return false, nil
}
