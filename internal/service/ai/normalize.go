package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"taxreply/internal/models"
)

// toSchema converts a history into provider-ready eino messages following the provider's
// system message convention.
func toSchema(messages []models.ChatMessage, style systemStyle) []*schema.Message {
	if style == systemInterleaved {
		out := make([]*schema.Message, 0, len(messages))
		for _, m := range messages {
			out = append(out, &schema.Message{Role: roleOf(m.Role), Content: m.Content})
		}
		return out
	}

	var (
		system []string
		rest   []*schema.Message
		lead   = true
	)
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			if lead {
				system = append(system, m.Content)
			}
			continue
		}
		lead = false
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		rest = append(rest, &schema.Message{Role: roleOf(m.Role), Content: m.Content})
	}

	out := make([]*schema.Message, 0, len(rest)+1)
	if joined := strings.TrimSpace(strings.Join(system, "\n\n")); joined != "" {
		out = append(out, schema.SystemMessage(joined))
	}
	return append(out, rest...)
}

func roleOf(r models.Role) schema.RoleType {
	switch r {
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}
