package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type Notification struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	RecipientID int64      `json:"recipient_id"`
	ActorID     int64      `json:"actor_id"`
	Verb        string     `json:"verb"`
	SubjectKind string     `json:"subject_kind"`
	SubjectID   int64      `json:"subject_id"`
	IsRead      bool       `json:"is_read"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type NotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// Insert 按 event_id 去重，重复事件返回 false
func (r *NotificationRepository) Insert(ctx context.Context, n *Notification) (bool, error) {
	r.logger.Debug("Inserting notification",
		zap.String("event_id", n.EventID),
		zap.Int64("recipient_id", n.RecipientID),
		zap.String("subject_kind", n.SubjectKind),
	)

	query := `
        INSERT INTO notifications (event_id, recipient_id, actor_id, verb, subject_kind, subject_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (event_id) DO NOTHING
        RETURNING id, created_at
    `
	err := r.db.QueryRow(ctx, query,
		n.EventID, n.RecipientID, n.ActorID, n.Verb, n.SubjectKind, n.SubjectID,
	).Scan(&n.ID, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Info("Notification already stored", zap.String("event_id", n.EventID))
		return false, nil
	}
	if err != nil {
		r.logger.Error("Failed to insert notification", zap.Error(err))
		return false, err
	}

	r.logger.Info("Notification inserted successfully",
		zap.Int64("id", n.ID),
		zap.Int64("recipient_id", n.RecipientID),
	)
	return true, nil
}

func (r *NotificationRepository) MarkDelivered(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `UPDATE notifications SET delivered_at = NOW() WHERE id = $1`, id)
	return err
}

// MarkAsRead 只能标记自己的通知；false 表示不存在或不属于该用户
func (r *NotificationRepository) MarkAsRead(ctx context.Context, id, recipientID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`,
		id, recipientID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipientID int64, unreadOnly bool, limit int) ([]Notification, error) {
	query := `
        SELECT id, event_id, recipient_id, actor_id, verb, subject_kind, subject_id,
               is_read, delivered_at, created_at
        FROM notifications
        WHERE recipient_id = $1 AND (NOT $2 OR is_read = FALSE)
        ORDER BY created_at DESC, id DESC
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, recipientID, unreadOnly, limit)
	if err != nil {
		r.logger.Error("Failed to list notifications", zap.Int64("recipient_id", recipientID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	list := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID,
			&n.EventID,
			&n.RecipientID,
			&n.ActorID,
			&n.Verb,
			&n.SubjectKind,
			&n.SubjectID,
			&n.IsRead,
			&n.DeliveredAt,
			&n.CreatedAt,
		); err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}
