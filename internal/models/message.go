package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one persisted turn of a question's conversation.
type Message struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"question_id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	Model      string    `json:"model,omitempty"`
	TokensIn   *int      `json:"tokens_in,omitempty"`
	TokensOut  *int      `json:"tokens_out,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatMessage is the provider-facing role/content pair.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToChat strips persistence fields from a history.
func ToChat(history []*Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
