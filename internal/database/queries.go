package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

func (db *SQLRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	now := time.Now().UTC().Round(time.Millisecond)
	msg := Message{
		Id:         uuid.NewString(),
		DocumentId: params.DocumentId,
		SenderId:   params.SenderId,
		Content:    params.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (id, document_id, sender_id, content, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		msg.Id,
		msg.DocumentId,
		msg.SenderId,
		msg.Content,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *SQLRepository) FindOwnedMessage(ctx context.Context, id, documentId, senderId string) (Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		// postgres rejects malformed uuids with a type error; treat as a miss
		return Message{}, ErrNotFound
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, document_id, sender_id, content, created_at, updated_at FROM messages "+
			"WHERE id = $1 AND document_id = $2 AND sender_id = $3 LIMIT 1",
		id,
		documentId,
		senderId,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.DocumentId,
		&msg.SenderId,
		&msg.Content,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}

	return msg, err
}

func (db *SQLRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *SQLRepository) ListMessages(ctx context.Context, documentId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, document_id, sender_id, content, created_at, updated_at FROM messages "+
			"WHERE document_id = $1 ORDER BY created_at ASC, id ASC",
		documentId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.DocumentId,
			&msg.SenderId,
			&msg.Content,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
