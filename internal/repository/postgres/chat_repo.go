package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay-backend/internal/domain"
)

// ChatRepository persists one row per conversation with the message
// sequence stored as JSONB. It carries no business logic; all ordering,
// de-duplication and unread accounting happen in the chat store.
type ChatRepository struct {
	pool *pgxpool.Pool
}

// NewChatRepository creates a new chat repository
func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// EnsureSchema creates the whatsapp_chats table if it does not exist.
func (r *ChatRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS whatsapp_chats (
			phone_number TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL,
			name         TEXT NOT NULL DEFAULT '',
			messages     JSONB NOT NULL DEFAULT '[]',
			unread_count INT NOT NULL DEFAULT 0,
			timestamp    TEXT NOT NULL DEFAULT ''
		)
	`

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create whatsapp_chats table: %w", err)
	}

	return nil
}

// Upsert writes the full conversation record, last writer wins.
func (r *ChatRepository) Upsert(ctx context.Context, chat *domain.Chat) error {
	messages, err := json.Marshal(chat.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `
		INSERT INTO whatsapp_chats (
			phone_number, chat_id, name, messages, unread_count, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone_number) DO UPDATE SET
			chat_id      = EXCLUDED.chat_id,
			name         = EXCLUDED.name,
			messages     = EXCLUDED.messages,
			unread_count = EXCLUDED.unread_count,
			timestamp    = EXCLUDED.timestamp
	`

	_, err = r.pool.Exec(ctx, query,
		chat.PhoneNumber,
		chat.ID,
		chat.Name,
		messages,
		chat.UnreadCount,
		chat.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	return nil
}

// Load fetches every conversation record for the initial cache fill.
func (r *ChatRepository) Load(ctx context.Context) (domain.ChatStore, error) {
	query := `
		SELECT phone_number, chat_id, name, messages, unread_count, timestamp
		FROM whatsapp_chats
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}
	defer rows.Close()

	chats := make(domain.ChatStore)
	for rows.Next() {
		var chat domain.Chat
		var messages []byte

		if err := rows.Scan(
			&chat.PhoneNumber,
			&chat.ID,
			&chat.Name,
			&messages,
			&chat.UnreadCount,
			&chat.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}

		if err := json.Unmarshal(messages, &chat.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages for %s: %w", chat.PhoneNumber, err)
		}
		if len(chat.Messages) > 0 {
			chat.LastMessage = &chat.Messages[len(chat.Messages)-1]
		}

		chats[chat.PhoneNumber] = &chat
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat rows: %w", err)
	}

	return chats, nil
}
