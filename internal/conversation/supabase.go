package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chatproxy/internal/llm"
)

// SupabaseStore работает с таблицами conversations и messages через
// PostgREST API Supabase с ключом service role.
type SupabaseStore struct {
	restURL    string
	key        string
	httpClient *http.Client
}

func NewSupabaseStore(baseURL, serviceKey string, httpClient *http.Client) (*SupabaseStore, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service role key are required")
	}
	return &SupabaseStore{
		restURL:    strings.TrimRight(baseURL, "/") + "/rest/v1",
		key:        serviceKey,
		httpClient: httpClient,
	}, nil
}

type supabaseConversation struct {
	ID        string         `json:"id,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

type supabaseMessage struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at,omitempty"`
}

func (s *SupabaseStore) Create(ctx context.Context, title string, metadata map[string]any) (Conversation, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	var rows []supabaseConversation
	err := s.do(ctx, http.MethodPost, "conversations", nil,
		supabaseConversation{Title: normalizeTitle(title), Metadata: metadata}, "return=representation", &rows)
	if err != nil {
		return Conversation{}, err
	}
	if len(rows) == 0 {
		return Conversation{}, fmt.Errorf("insert conversation: empty representation")
	}
	return rows[0].toConversation(), nil
}

func (s *SupabaseStore) List(ctx context.Context) ([]Conversation, error) {
	var rows []supabaseConversation
	query := url.Values{
		"select": {"id,title,created_at"},
		"order":  {"created_at.desc"},
	}
	if err := s.do(ctx, http.MethodGet, "conversations", query, nil, "", &rows); err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toConversation())
	}
	return out, nil
}

func (s *SupabaseStore) Messages(ctx context.Context, id string) ([]Message, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	var rows []supabaseMessage
	query := url.Values{
		"select":          {"role,content,created_at"},
		"conversation_id": {"eq." + id},
		"order":           {"created_at.asc,id.asc"},
	}
	if err := s.do(ctx, http.MethodGet, "messages", query, nil, "", &rows); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, Message{
			Role:      llm.Role(row.Role),
			Content:   row.Content,
			CreatedAt: parseTimestamp(row.CreatedAt),
		})
	}
	return out, nil
}

func (s *SupabaseStore) Append(ctx context.Context, id string, messages ...Message) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	rows := make([]supabaseMessage, 0, len(messages))
	for _, m := range messages {
		rows = append(rows, supabaseMessage{ConversationID: id, Role: string(m.Role), Content: m.Content})
	}
	return s.do(ctx, http.MethodPost, "messages", nil, rows, "return=minimal", nil)
}

func (s *SupabaseStore) Rename(ctx context.Context, id, title string) error {
	var rows []supabaseConversation
	query := url.Values{"id": {"eq." + id}, "select": {"id"}}
	body := map[string]string{"title": normalizeTitle(title)}
	if err := s.do(ctx, http.MethodPatch, "conversations", query, body, "return=representation", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) Delete(ctx context.Context, id string) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	if err := s.do(ctx, http.MethodDelete, "messages", url.Values{"conversation_id": {"eq." + id}}, nil, "return=minimal", nil); err != nil {
		return err
	}
	return s.do(ctx, http.MethodDelete, "conversations", url.Values{"id": {"eq." + id}}, nil, "return=minimal", nil)
}

func (s *SupabaseStore) exists(ctx context.Context, id string) error {
	var rows []supabaseConversation
	query := url.Values{"id": {"eq." + id}, "select": {"id"}}
	if err := s.do(ctx, http.MethodGet, "conversations", query, nil, "", &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// do выполняет запрос к PostgREST; out == nil означает, что тело ответа не нужно.
func (s *SupabaseStore) do(ctx context.Context, method, table string, query url.Values, body any, prefer string, out any) error {
	endpoint := s.restURL + "/" + table
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", table, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", table, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, table, resp.StatusCode, postgrestMessage(data))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", table, err)
	}
	return nil
}

func postgrestMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func (c supabaseConversation) toConversation() Conversation {
	return Conversation{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: parseTimestamp(c.CreatedAt),
		Metadata:  c.Metadata,
	}
}
