package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taxreply/internal/models"
	"taxreply/internal/redis"
)

// Conversations is the append-only message log of each question.
type Conversations struct {
	db    *sql.DB
	cache *historyCache
}

// NewConversations builds the store; cache may be nil.
func NewConversations(db *sql.DB, cache *redis.Client) *Conversations {
	return &Conversations{db: db, cache: &historyCache{client: cache}}
}

// GetMessages returns the ordered history, served from the cache when possible.
func (c *Conversations) GetMessages(ctx context.Context, questionID int64) ([]*models.Message, error) {
	history, generation, ok := c.cache.load(ctx, questionID)
	if ok {
		return history, nil
	}
	history, err := c.load(ctx, questionID)
	if err != nil {
		return nil, err
	}
	c.cache.store(ctx, questionID, generation, history)
	return history, nil
}

// load always reads from the database.
func (c *Conversations) load(ctx context.Context, questionID int64) ([]*models.Message, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, question_id, role, content, model, tokens_in, tokens_out, created_at
		FROM conversation_messages WHERE question_id = ? ORDER BY created_at ASC, id ASC`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var (
			m         models.Message
			role      string
			modelID   sql.NullString
			tokensIn  sql.NullInt64
			tokensOut sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.QuestionID, &role, &m.Content, &modelID, &tokensIn, &tokensOut, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.Model = modelID.String
		m.TokensIn = intPtr(tokensIn)
		m.TokensOut = intPtr(tokensOut)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// Append stores msg at the end of its question's history.
func (c *Conversations) Append(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.QuestionID <= 0 {
		return nil, errors.New("question_id is required")
	}
	switch msg.Role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return nil, fmt.Errorf("invalid role %q", msg.Role)
	}
	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (question_id, role, content, model, tokens_in, tokens_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.QuestionID, string(msg.Role), msg.Content, nullString(msg.Model), nullInt(msg.TokensIn), nullInt(msg.TokensOut), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	c.cache.invalidate(ctx, msg.QuestionID)
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// Clear removes every message of a question and reports how many were deleted.
func (c *Conversations) Clear(ctx context.Context, questionID int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE question_id = ?`, questionID)
	if err != nil {
		return 0, fmt.Errorf("clear messages: %w", err)
	}
	c.cache.invalidate(ctx, questionID)
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
