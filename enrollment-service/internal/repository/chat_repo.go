package repository

import (
	"context"

	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/model"
)

func (q *pgQueries) CreateRoom(ctx context.Context, room *model.ChatRoom) error {
	err := q.db.QueryRow(ctx, `
		INSERT INTO chat_rooms (team_id, kind, name)
		VALUES ($1, $2, $3)
		RETURNING id
	`, room.TeamID, string(room.Kind), room.Name).Scan(&room.ID)
	if err != nil {
		q.logger.Error("Failed to create chat room",
			zap.Int64("team_id", room.TeamID),
			zap.String("kind", string(room.Kind)),
			zap.Error(err),
		)
		return err
	}

	for _, member := range room.Members {
		if err := q.AddRoomMember(ctx, room.ID, member); err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) AddRoomMember(ctx context.Context, roomID, subscriberID int64) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO chat_room_members (room_id, subscriber_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, subscriberID)
	return err
}

func (q *pgQueries) RemoveRoomMember(ctx context.Context, roomID, subscriberID int64) error {
	_, err := q.db.Exec(ctx,
		`DELETE FROM chat_room_members WHERE room_id = $1 AND subscriber_id = $2`,
		roomID, subscriberID,
	)
	return err
}

func (q *pgQueries) ListTeamRooms(ctx context.Context, teamID int64) ([]model.ChatRoom, error) {
	rows, err := q.db.Query(ctx, `
		SELECT r.id, r.team_id, r.kind, r.name,
		       COALESCE(array_agg(m.subscriber_id ORDER BY m.subscriber_id)
		                FILTER (WHERE m.subscriber_id IS NOT NULL), '{}')
		FROM chat_rooms r
		LEFT JOIN chat_room_members m ON m.room_id = r.id
		WHERE r.team_id = $1
		GROUP BY r.id
		ORDER BY r.id
	`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []model.ChatRoom
	for rows.Next() {
		var (
			r    model.ChatRoom
			kind string
		)
		if err := rows.Scan(&r.ID, &r.TeamID, &kind, &r.Name, &r.Members); err != nil {
			return nil, err
		}
		r.Kind = model.RoomKind(kind)
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}
