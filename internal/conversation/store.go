package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatproxy/internal/llm"
)

var ErrNotFound = errors.New("conversation not found")

// LocalIDPrefix префикс идентификаторов, которые браузер выдаёт сам, когда
// серверного хранилища нет. Сервер такие id не выдаёт и не сохраняет.
const LocalIDPrefix = "local-"

const DefaultTitle = "Chat"

func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Conversation заголовок диалога. Сообщения хранятся отдельно.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message сохранённое сообщение. CreatedAt проставляет хранилище.
type Message struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store хранилище диалогов. Список сообщений только дополняется,
// порядок чтения совпадает с порядком добавления.
type Store interface {
	// Create создаёт диалог и возвращает его с выданным id.
	Create(ctx context.Context, title string, metadata map[string]any) (Conversation, error)
	// List возвращает диалоги, новые первыми.
	List(ctx context.Context) ([]Conversation, error)
	// Messages возвращает историю диалога или ErrNotFound.
	Messages(ctx context.Context, id string) ([]Message, error)
	// Append дописывает сообщения в конец истории.
	Append(ctx context.Context, id string, messages ...Message) error
	Rename(ctx context.Context, id, title string) error
	// Delete удаляет диалог вместе с историей.
	Delete(ctx context.Context, id string) error
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return title
}
