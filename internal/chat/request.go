package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"chatproxy/internal/llm"
)

// Input тело запросов /chat и /chat/stream.
type Input struct {
	Messages    []InputMessage `json:"messages" validate:"required,min=1,dive"`
	System      *string        `json:"system"`
	Model       string         `json:"model"`
	Temperature *float64       `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	// ConversationID id серверного диалога для сохранения ответа.
	ConversationID string `json:"conversation_id"`
}

type InputMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ValidationError запрос некорректен; не повторяется и отдаётся клиенту как 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// prepare проверяет вход и строит ChatRequest: история обрезается до
// последних HistoryPairs обменов, пустые поля берутся из настроек.
func (s *Service) prepare(in Input, maxTokens int) (llm.ChatRequest, error) {
	if err := validateInput(in); err != nil {
		return llm.ChatRequest{}, err
	}

	messages := make([]llm.Message, 0, len(in.Messages))
	for _, m := range in.Messages {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	trimmed := llm.TrimHistory(messages, s.cfg.HistoryPairs)
	if len(trimmed) == 0 {
		return llm.ChatRequest{}, &ValidationError{Message: "messages must not be empty"}
	}

	req := llm.ChatRequest{
		Messages:        trimmed,
		System:          s.cfg.SystemPrompt,
		Model:           s.cfg.Model,
		Temperature:     s.cfg.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if in.System != nil {
		req.System = *in.System
	}
	if strings.TrimSpace(in.Model) != "" {
		req.Model = strings.TrimSpace(in.Model)
	}
	if in.Temperature != nil {
		req.Temperature = *in.Temperature
	}
	return req, nil
}

func validateInput(in Input) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}

	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("%s is required", field)
	case "min":
		msg = fmt.Sprintf("%s must not be empty", field)
	case "oneof":
		msg = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte", "lte":
		msg = fmt.Sprintf("%s must be between 0 and 2", field)
	default:
		msg = fmt.Sprintf("%s is invalid", field)
	}
	return &ValidationError{Message: msg}
}

// lastUserMessage последнее сообщение пользователя, которое сохраняется вместе с ответом.
func lastUserMessage(in Input) (string, bool) {
	for i := len(in.Messages) - 1; i >= 0; i-- {
		if in.Messages[i].Role == string(llm.RoleUser) {
			return in.Messages[i].Content, true
		}
	}
	return "", false
}
