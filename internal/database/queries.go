package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
)

const (
	DefaultRecoveryLimit = 100

	messageColumns = "id, chat_type, chat_id, sender_id, recipient_id, content, status, created_at"
)

// Schema is the layout the repository expects. The owning service normally
// applies it; Migrate exists for local setups and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS direct_chats (
	id         TEXT PRIMARY KEY,
	user_a     TEXT NOT NULL,
	user_b     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_a, user_b)
);

CREATE TABLE IF NOT EXISTS messages (
	id           BIGSERIAL PRIMARY KEY,
	chat_type    TEXT NOT NULL,
	chat_id      TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	status       TEXT NOT NULL,
	token        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_chat_id_idx ON messages (chat_type, chat_id, id);
`

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return services.ErrNotFound
	}
	return err
}

// orderedPair returns the two participants in the order they are stored in, so
// a direct chat has exactly one row regardless of who opened it.
func orderedPair(userA, userB string) (string, string) {
	if userB < userA {
		return userB, userA
	}
	return userA, userB
}

// directChatId derives the stable id of the direct chat between two users.
func directChatId(userA, userB string) string {
	a, b := orderedPair(userA, userB)
	return a + ":" + b
}

func scanMessage(row interface{ Scan(...any) error }) (types.Message, error) {
	var msg types.Message
	err := row.Scan(
		&msg.Id,
		&msg.ChatType,
		&msg.ChatId,
		&msg.SenderId,
		&msg.RecipientId,
		&msg.Content,
		&msg.Status,
		&msg.CreatedAt,
	)
	return msg, err
}

func (db *PgChatRepository) Create(ctx context.Context, params services.CreateMessageParams) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (chat_type, chat_id, sender_id, recipient_id, content, status, token, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+messageColumns,
		params.ChatType,
		params.ChatId,
		params.SenderId,
		params.RecipientId,
		params.Content,
		types.MessageStatusSent,
		params.Token,
		time.Now().UTC(),
	)

	msg, err := scanMessage(row)
	if err != nil {
		return types.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// UpdateStatus moves a message to a new status. Only the recipient of a direct
// message may do so.
func (db *PgChatRepository) UpdateStatus(ctx context.Context, params services.UpdateStatusParams) (types.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET status = $2 "+
			"WHERE id = $1 AND chat_type = $3 AND recipient_id = $4 RETURNING "+messageColumns,
		params.MessageId,
		params.Status,
		types.ChatTypeDirect,
		params.ReaderId,
	)

	msg, err := scanMessage(row)
	if err != nil {
		return types.Message{}, fmt.Errorf("update message %d: %w", params.MessageId, notFound(err))
	}
	return msg, nil
}

func (db *PgChatRepository) GetNewerThan(ctx context.Context, offset int64, chat types.ChatRef, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = DefaultRecoveryLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages "+
			"WHERE chat_type = $1 AND chat_id = $2 AND id > $3 ORDER BY id ASC LIMIT $4",
		chat.Type,
		chat.Id,
		offset,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages = make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *PgChatRepository) FindOrCreateDirect(ctx context.Context, userA, userB string) (types.DirectChat, bool, error) {
	a, b := orderedPair(userA, userB)

	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO direct_chats (id, user_a, user_b, created_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (user_a, user_b) DO NOTHING",
		directChatId(a, b),
		a,
		b,
		time.Now().UTC(),
	)
	if err != nil {
		return types.DirectChat{}, false, fmt.Errorf("insert direct chat: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return types.DirectChat{}, false, fmt.Errorf("insert direct chat: %w", err)
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT id, user_a, user_b, created_at FROM direct_chats "+
			"WHERE user_a = $1 AND user_b = $2 LIMIT 1",
		a,
		b,
	)

	var dc types.DirectChat
	if err := row.Scan(&dc.Id, &dc.UserA, &dc.UserB, &dc.CreatedAt); err != nil {
		return types.DirectChat{}, false, fmt.Errorf("select direct chat: %w", notFound(err))
	}

	return dc, n == 1, nil
}

func (db *PgChatRepository) GetDirect(ctx context.Context, chatId string) (types.DirectChat, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, user_a, user_b, created_at FROM direct_chats WHERE id = $1 LIMIT 1",
		chatId,
	)

	var dc types.DirectChat
	if err := row.Scan(&dc.Id, &dc.UserA, &dc.UserB, &dc.CreatedAt); err != nil {
		return types.DirectChat{}, fmt.Errorf("get direct chat %q: %w", chatId, notFound(err))
	}
	return dc, nil
}
