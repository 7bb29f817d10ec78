package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/npezzotti/famchat-relay/internal/types"
)

const (
	persistMessageQuery = `
		WITH inserted AS (
			INSERT INTO messages (chat_room_id, sender_id, message_type, content, image_urls)
			SELECT $1, $2, $3, $4, $5
			WHERE EXISTS (
				SELECT 1 FROM chat_room_participants
				WHERE chat_room_id = $1 AND user_id = $2
			)
			RETURNING id, chat_room_id, sender_id, message_type, content, image_urls, created_at
		)
		SELECT i.id, i.chat_room_id, i.sender_id, i.message_type, i.content, i.image_urls, i.created_at,
			u.name, COALESCE(u.image_url, '')
		FROM inserted i
		JOIN users u ON u.id = i.sender_id`

	participantsQuery = "SELECT user_id FROM chat_room_participants WHERE chat_room_id = $1 ORDER BY user_id"

	notificationEnabledQuery = "SELECT enabled FROM notification_preferences " +
		"WHERE user_id = $1 AND chat_room_id = $2 LIMIT 1"

	pushTokenQuery = "SELECT push_token FROM users WHERE id = $1 LIMIT 1"

	familyOfQuery = "SELECT family_id FROM users WHERE id = $1 LIMIT 1"

	familyMembersQuery = "SELECT id FROM users WHERE family_id = $1 ORDER BY id"

	markReadQuery = "UPDATE chat_room_participants " +
		"SET last_read_message_id = GREATEST(last_read_message_id, $3), updated_at = NOW() " +
		"WHERE user_id = $1 AND chat_room_id = $2"
)

func (db *PgRepository) PersistMessage(ctx context.Context, draft types.ChatMessageEvent) (types.ChatMessageEvent, error) {
	row := db.conn.QueryRowContext(ctx, persistMessageQuery,
		draft.ChatRoomId,
		draft.SenderId,
		string(draft.MessageType),
		draft.Content,
		pq.Array(nonNilStrings(draft.ImageUrls)),
	)

	var (
		msg  types.ChatMessageEvent
		kind string
	)
	err := row.Scan(
		&msg.MessageId,
		&msg.ChatRoomId,
		&msg.SenderId,
		&kind,
		&msg.Content,
		pq.Array(&msg.ImageUrls),
		&msg.CreatedAt,
		&msg.SenderName,
		&msg.SenderImage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ChatMessageEvent{}, ErrNotParticipant
	}
	if err != nil {
		return types.ChatMessageEvent{}, fmt.Errorf("persist message: %w", err)
	}

	msg.MessageType = types.MessageKind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()

	return msg, nil
}

// nonNilStrings keeps pq.Array from binding NULL into NOT NULL array
// columns.
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (db *PgRepository) ParticipantsOf(ctx context.Context, chatRoomId int64) ([]int64, error) {
	return db.queryIds(ctx, participantsQuery, chatRoomId)
}

func (db *PgRepository) FamilyMembers(ctx context.Context, familyId int64) ([]int64, error) {
	return db.queryIds(ctx, familyMembersQuery, familyId)
}

func (db *PgRepository) queryIds(ctx context.Context, query string, arg int64) ([]int64, error) {
	rows, err := db.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgRepository) NotificationEnabled(ctx context.Context, userId, chatRoomId int64) (bool, error) {
	var enabled bool
	err := db.conn.QueryRowContext(ctx, notificationEnabledQuery, userId, chatRoomId).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("notification preference: %w", err)
	}

	return enabled, nil
}

func (db *PgRepository) PushToken(ctx context.Context, userId int64) (string, bool, error) {
	var token sql.NullString
	err := db.conn.QueryRowContext(ctx, pushTokenQuery, userId).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("push token: %w", err)
	}

	if !token.Valid || token.String == "" {
		return "", false, nil
	}

	return token.String, true, nil
}

func (db *PgRepository) FamilyOf(ctx context.Context, userId int64) (int64, bool, error) {
	var familyId sql.NullInt64
	err := db.conn.QueryRowContext(ctx, familyOfQuery, userId).Scan(&familyId)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("family of: %w", err)
	}

	return familyId.Int64, familyId.Valid, nil
}

func (db *PgRepository) MarkRead(ctx context.Context, userId, chatRoomId, messageId int64) error {
	res, err := db.conn.ExecContext(ctx, markReadQuery, userId, chatRoomId, messageId)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n == 0 {
		return ErrNotParticipant
	}

	return nil
}
