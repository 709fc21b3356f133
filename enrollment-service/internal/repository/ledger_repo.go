package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

func (q *pgQueries) GetSubscription(ctx context.Context, subscriberID, coachID int64) (*model.Subscription, error) {
	query := `
		SELECT subscriber_id, coach_id, tier_id, external_ref, created_at, updated_at
		FROM subscriptions
		WHERE subscriber_id = $1 AND coach_id = $2
	`
	var s model.Subscription
	err := q.db.QueryRow(ctx, query, subscriberID, coachID).Scan(
		&s.SubscriberID, &s.CoachID, &s.TierID, &s.ExternalRef, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (q *pgQueries) UpsertSubscription(ctx context.Context, s *model.Subscription, prevRef string) (bool, error) {
	q.logger.Debug("Upserting subscription",
		zap.Int64("subscriber_id", s.SubscriberID),
		zap.Int64("coach_id", s.CoachID),
		zap.Int64("tier_id", s.TierID),
	)

	// 冲突行被锁住；external_ref 已被别人换掉时不更新
	query := `
		INSERT INTO subscriptions (subscriber_id, coach_id, tier_id, external_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscriber_id, coach_id) DO UPDATE
		SET tier_id = EXCLUDED.tier_id, external_ref = EXCLUDED.external_ref, updated_at = NOW()
		WHERE subscriptions.external_ref = $5
		  AND (subscriptions.tier_id <> EXCLUDED.tier_id OR subscriptions.external_ref <> EXCLUDED.external_ref)
		RETURNING created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query, s.SubscriberID, s.CoachID, s.TierID, s.ExternalRef, prevRef).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := q.GetSubscription(ctx, s.SubscriberID, s.CoachID)
		if err != nil {
			return false, err
		}
		if current.TierID == s.TierID && current.ExternalRef == s.ExternalRef {
			return false, nil
		}
		q.logger.Warn("Subscription changed concurrently",
			zap.Int64("subscriber_id", s.SubscriberID),
			zap.Int64("coach_id", s.CoachID),
		)
		return false, ErrStale
	}
	if err != nil {
		q.logger.Error("Failed to upsert subscription", zap.Error(err))
		return false, err
	}
	return true, nil
}

func (q *pgQueries) DeleteSubscription(ctx context.Context, subscriberID, coachID int64) error {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM subscriptions WHERE subscriber_id = $1 AND coach_id = $2`,
		subscriberID, coachID,
	)
	if err != nil {
		q.logger.Error("Failed to delete subscription", zap.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueries) GetCoupon(ctx context.Context, subscriberID, coachID int64) (*model.Coupon, error) {
	query := `
		SELECT id, subscriber_id, coach_id, valid, external_ref, created_at, redeemed_at
		FROM coupons
		WHERE subscriber_id = $1 AND coach_id = $2
	`
	var c model.Coupon
	err := q.db.QueryRow(ctx, query, subscriberID, coachID).Scan(
		&c.ID, &c.SubscriberID, &c.CoachID, &c.Valid, &c.ExternalRef, &c.CreatedAt, &c.RedeemedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (q *pgQueries) InsertCouponIfAbsent(ctx context.Context, c *model.Coupon) (bool, error) {
	query := `
		INSERT INTO coupons (subscriber_id, coach_id, valid, external_ref)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (subscriber_id, coach_id) DO NOTHING
		RETURNING id, valid, created_at
	`
	err := q.db.QueryRow(ctx, query, c.SubscriberID, c.CoachID, c.ExternalRef).Scan(&c.ID, &c.Valid, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		q.logger.Error("Failed to insert coupon", zap.Error(err))
		return false, err
	}

	q.logger.Info("Coupon created",
		zap.Int64("coupon_id", c.ID),
		zap.Int64("subscriber_id", c.SubscriberID),
		zap.Int64("coach_id", c.CoachID),
	)
	return true, nil
}

func (q *pgQueries) RedeemCoupon(ctx context.Context, couponID int64) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE coupons
		SET valid = FALSE, redeemed_at = NOW()
		WHERE id = $1 AND valid = TRUE
	`, couponID)
	if err != nil {
		q.logger.Error("Failed to redeem coupon", zap.Int64("coupon_id", couponID), zap.Error(err))
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ListCoupons(ctx context.Context, subscriberID int64) ([]model.Coupon, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, subscriber_id, coach_id, valid, external_ref, created_at, redeemed_at
		FROM coupons
		WHERE subscriber_id = $1
		ORDER BY id
	`, subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coupons []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.SubscriberID, &c.CoachID, &c.Valid, &c.ExternalRef, &c.CreatedAt, &c.RedeemedAt); err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}
