package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

func (q *pgQueries) InsertReport(ctx context.Context, r *model.Report) error {
	q.logger.Debug("Inserting milestone report",
		zap.Int64("milestone_id", r.MilestoneID),
		zap.Int64("team_id", r.TeamID),
		zap.Int("videos", len(r.Videos)),
	)

	if r.Images == nil {
		r.Images = []string{}
	}
	var status string
	err := q.db.QueryRow(ctx, `
		INSERT INTO milestone_reports (milestone_id, team_id, submitted_by, message, images, video_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, created_at
	`, r.MilestoneID, r.TeamID, r.SubmittedBy, r.Message, r.Images, string(r.VideoStatus)).Scan(&r.ID, &status, &r.CreatedAt)
	if err != nil {
		q.logger.Error("Failed to insert milestone report", zap.Error(err))
		return err
	}
	r.Status = model.ReportStatus(status)

	for _, member := range r.Members {
		if _, err := q.db.Exec(ctx,
			`INSERT INTO report_members (report_id, subscriber_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			r.ID, member,
		); err != nil {
			return err
		}
	}

	for i := range r.Videos {
		v := &r.Videos[i]
		if err := q.db.QueryRow(ctx, `
			INSERT INTO report_videos (report_id, passthrough)
			VALUES ($1, $2::uuid)
			RETURNING id
		`, r.ID, v.Passthrough).Scan(&v.ID); err != nil {
			return err
		}
		v.Status = model.VideoProcessing
	}

	q.logger.Info("Milestone report inserted", zap.Int64("report_id", r.ID), zap.Int64("team_id", r.TeamID))
	return nil
}

func (q *pgQueries) GetReport(ctx context.Context, id int64) (*model.Report, error) {
	r, err := q.loadReport(ctx, id, false)
	if err != nil {
		return nil, err
	}

	rows, err := q.db.Query(ctx, `
		SELECT id, passthrough::text, asset_id, playback_id, status
		FROM report_videos
		WHERE report_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r.Videos = []model.Video{}
	for rows.Next() {
		var (
			v      model.Video
			status string
		)
		if err := rows.Scan(&v.ID, &v.Passthrough, &v.AssetID, &v.PlaybackID, &status); err != nil {
			return nil, err
		}
		v.Status = model.VideoStatus(status)
		r.Videos = append(r.Videos, v)
	}
	return r, rows.Err()
}

func (q *pgQueries) LockReport(ctx context.Context, id int64) (*model.Report, error) {
	return q.loadReport(ctx, id, true)
}

func (q *pgQueries) loadReport(ctx context.Context, id int64, lock bool) (*model.Report, error) {
	query := `
		SELECT id, milestone_id, team_id, submitted_by, status, message, feedback,
		       images, video_status, created_at, reviewed_at
		FROM milestone_reports
		WHERE id = $1
	`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		r           model.Report
		status      string
		videoStatus string
	)
	err := q.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.MilestoneID, &r.TeamID, &r.SubmittedBy, &status, &r.Message, &r.Feedback,
		&r.Images, &videoStatus, &r.CreatedAt, &r.ReviewedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	r.Status = model.ReportStatus(status)
	r.VideoStatus = model.VideoStatus(videoStatus)

	rows, err := q.db.Query(ctx,
		`SELECT subscriber_id FROM report_members WHERE report_id = $1 ORDER BY subscriber_id`,
		id,
	)
	if err != nil {
		return nil, err
	}
	if r.Members, err = pgx.CollectRows(rows, pgx.RowTo[int64]); err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *pgQueries) UpdateReportDecision(ctx context.Context, id int64, status model.ReportStatus, feedback string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE milestone_reports
		SET status = $2, feedback = $3, reviewed_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id, string(status), feedback)
	if err != nil {
		q.logger.Error("Failed to update report decision", zap.Int64("report_id", id), zap.Error(err))
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) MarkVideoReady(ctx context.Context, passthrough, assetID, playbackID string) (int64, error) {
	var reportID int64
	err := q.db.QueryRow(ctx, `
		UPDATE report_videos
		SET status = 'READY', asset_id = $2, playback_id = $3, ready_at = NOW()
		WHERE passthrough = $1::uuid
		RETURNING report_id
	`, passthrough, assetID, playbackID).Scan(&reportID)
	if err != nil {
		return 0, notFound(err)
	}
	return reportID, nil
}

func (q *pgQueries) CountProcessingVideos(ctx context.Context, reportID int64) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM report_videos WHERE report_id = $1 AND status = 'PROCESSING'`,
		reportID,
	).Scan(&n)
	return n, err
}

func (q *pgQueries) SetReportVideoStatus(ctx context.Context, reportID int64, status model.VideoStatus) error {
	_, err := q.db.Exec(ctx,
		`UPDATE milestone_reports SET video_status = $2 WHERE id = $1`,
		reportID, string(status),
	)
	return err
}

func (q *pgQueries) RecordMilestoneCompletion(ctx context.Context, milestoneID, teamID int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO milestone_completions (milestone_id, team_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, milestoneID, teamID)
	return err
}
