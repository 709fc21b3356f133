package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

func (q *pgQueries) InsertAttempt(ctx context.Context, a *model.EnrollmentAttempt) (bool, error) {
	q.logger.Debug("Recording enrollment attempt",
		zap.String("reference", a.Reference),
		zap.Int64("subscriber_id", a.SubscriberID),
		zap.Int64("project_id", a.ProjectID),
	)

	if a.Status == "" {
		a.Status = model.AttemptCreated
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO enrollment_attempts (reference, subscriber_id, project_id, method, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO NOTHING
	`, a.Reference, a.SubscriberID, a.ProjectID, string(a.Method), a.Amount, a.Currency, string(a.Status))
	if err != nil {
		q.logger.Error("Failed to insert enrollment attempt", zap.String("reference", a.Reference), zap.Error(err))
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const attemptColumns = `
	reference, subscriber_id, project_id, method, amount, currency, status,
	completed_by, team_id, failure_reason, created_at, completed_at
`

func scanAttempt(row pgx.Row) (*model.EnrollmentAttempt, error) {
	var (
		a      model.EnrollmentAttempt
		method string
		status string
	)
	err := row.Scan(
		&a.Reference, &a.SubscriberID, &a.ProjectID, &method, &a.Amount, &a.Currency, &status,
		&a.Trigger, &a.TeamID, &a.FailureReason, &a.CreatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.Method = model.PaymentMethod(method)
	a.Status = model.AttemptStatus(status)
	return &a, nil
}

func (q *pgQueries) GetAttempt(ctx context.Context, reference string) (*model.EnrollmentAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM enrollment_attempts WHERE reference = $1`,
		reference,
	))
}

func (q *pgQueries) FindOpenAttempt(ctx context.Context, subscriberID, projectID int64, method model.PaymentMethod) (*model.EnrollmentAttempt, error) {
	return scanAttempt(q.db.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM enrollment_attempts
		WHERE subscriber_id = $1 AND project_id = $2 AND method = $3 AND status = 'created'
		ORDER BY created_at DESC
		LIMIT 1
	`, subscriberID, projectID, string(method)))
}

func (q *pgQueries) CompleteAttempt(ctx context.Context, reference, trigger string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE enrollment_attempts
		SET status = 'completed', completed_by = $2, completed_at = NOW(), updated_at = NOW(), failure_reason = ''
		WHERE reference = $1 AND status IN ('created', 'failed')
	`, reference, trigger)
	if err != nil {
		q.logger.Error("Failed to complete enrollment attempt", zap.String("reference", reference), zap.Error(err))
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) SetAttemptTeam(ctx context.Context, reference string, teamID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE enrollment_attempts
		SET team_id = $2, updated_at = NOW()
		WHERE reference = $1
	`, reference, teamID)
	return err
}

func (q *pgQueries) FailAttempt(ctx context.Context, reference, reason string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE enrollment_attempts
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE reference = $1 AND status = 'created'
	`, reference, reason)
	if err != nil {
		q.logger.Error("Failed to mark enrollment attempt failed", zap.String("reference", reference), zap.Error(err))
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
