package llmservice

import (
	"fmt"

	"research-rag/internal/models"
)

// Conversation is a chat split the way single-instruction chat APIs expect it:
// an optional system instruction, prior turns, and the turn being answered.
type Conversation struct {
	System  string
	History []models.ChatMessage
	Current models.ChatMessage
}

// SplitConversation separates the leading system message and the final turn.
// A system message anywhere but first, or more than one, is rejected.
func SplitConversation(messages []models.ChatMessage) (Conversation, error) {
	var conv Conversation
	if len(messages) == 0 {
		return conv, &models.ValidationError{Field: "messages", Reason: "conversation is empty"}
	}

	rest := messages
	if messages[0].Role == models.RoleSystem {
		conv.System = messages[0].Content
		rest = messages[1:]
	}
	if len(rest) == 0 {
		return conv, &models.ValidationError{Field: "messages", Reason: "conversation has no user or assistant turn"}
	}
	for i, m := range rest {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
		case models.RoleSystem:
			return conv, &models.ValidationError{Field: "messages", Reason: fmt.Sprintf("system message at position %d must be first", i+len(messages)-len(rest))}
		default:
			return conv, &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unsupported role %s", m.Role)}
		}
	}

	conv.History = append([]models.ChatMessage(nil), rest[:len(rest)-1]...)
	conv.Current = rest[len(rest)-1]
	return conv, nil
}

// Messages rebuilds the flat message list SplitConversation was given.
func (c Conversation) Messages() []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(c.History)+2)
	if c.System != "" {
		out = append(out, models.SystemMessage(c.System))
	}
	out = append(out, c.History...)
	return append(out, c.Current)
}
