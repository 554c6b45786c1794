package models

import "fmt"

// Role is the sender of a chat message.
type Role int

const (
	RoleSystem Role = iota + 1
	RoleUser
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole maps a wire role name onto a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	}
	return 0, &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: content}
}

// LLMConfig is resolved once at startup and never mutated.
type LLMConfig struct {
	PrimaryModel    string `yaml:"primary_model"`
	FallbackModel   string `yaml:"fallback_model"`
	FallbackEnabled bool   `yaml:"fallback_enabled"`
}

// CompletionResult records which model served a completion.
type CompletionResult struct {
	Content      string `json:"content"`
	ModelUsed    string `json:"model_used"`
	UsedFallback bool   `json:"used_fallback"`
}
