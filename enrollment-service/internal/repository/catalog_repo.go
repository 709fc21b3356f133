package repository

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

func (q *pgQueries) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return q.scanProject(ctx, `
		SELECT id, coach_id, name, team_size, price_id
		FROM projects
		WHERE id = $1
	`, id)
}

func (q *pgQueries) LockProject(ctx context.Context, id int64) (*model.Project, error) {
	q.logger.Debug("Locking project", zap.Int64("project_id", id))
	return q.scanProject(ctx, `
		SELECT id, coach_id, name, team_size, price_id
		FROM projects
		WHERE id = $1
		FOR UPDATE
	`, id)
}

func (q *pgQueries) scanProject(ctx context.Context, query string, id int64) (*model.Project, error) {
	var p model.Project
	err := q.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.CoachID, &p.Name, &p.TeamSize, &p.PriceID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (q *pgQueries) GetCoach(ctx context.Context, id int64) (*model.Coach, error) {
	query := `
		SELECT id, subscriber_id, name, payout_account_id
		FROM coaches
		WHERE id = $1
	`
	var c model.Coach
	if err := q.db.QueryRow(ctx, query, id).Scan(&c.ID, &c.SubscriberID, &c.Name, &c.PayoutAccountID); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (q *pgQueries) GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error) {
	query := `SELECT id, name, customer_id FROM subscribers WHERE id = $1`
	var s model.Subscriber
	if err := q.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.Name, &s.CustomerID); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (q *pgQueries) GetTier(ctx context.Context, id int64) (*model.Tier, error) {
	query := `
		SELECT id, coach_id, level, label, credit::text, price_id
		FROM tiers
		WHERE id = $1
	`
	var (
		t      model.Tier
		level  string
		credit string
	)
	if err := q.db.QueryRow(ctx, query, id).Scan(&t.ID, &t.CoachID, &level, &t.Label, &credit, &t.PriceID); err != nil {
		return nil, notFound(err)
	}

	lvl, err := model.ParseTierLevel(level)
	if err != nil {
		return nil, err
	}
	t.Level = lvl
	if t.Credit, err = decimal.NewFromString(credit); err != nil {
		return nil, fmt.Errorf("parse tier credit: %w", err)
	}
	return &t, nil
}

func (q *pgQueries) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	query := `
		SELECT id, project_id, position, description
		FROM milestones
		WHERE id = $1
	`
	var m model.Milestone
	if err := q.db.QueryRow(ctx, query, id).Scan(&m.ID, &m.ProjectID, &m.Position, &m.Description); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}
