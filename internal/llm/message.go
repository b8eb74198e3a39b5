package llm

import "time"

// Role роль автора сообщения во внутреннем словаре сервиса.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message представляет одно сообщение в диалоге.
type Message struct {
	Role      Role      `json:"role"`                // "system", "user", "assistant"
	Content   string    `json:"content"`             // текст сообщения
	Timestamp time.Time `json:"timestamp,omitempty"` // время добавления
}

// ChatRequest нормализованный запрос к провайдеру, не зависящий от вендора.
// Строится на каждый запрос и нигде не сохраняется.
type ChatRequest struct {
	Messages        []Message
	System          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// TrimHistory оставляет только последние pairs обменов (2*pairs сообщений).
// Исходный срез не изменяется.
func TrimHistory(messages []Message, pairs int) []Message {
	if pairs <= 0 || len(messages) == 0 {
		return nil
	}
	limit := pairs * 2
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	trimmed := make([]Message, len(messages)-start)
	copy(trimmed, messages[start:])
	return trimmed
}
