package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// record диалог вместе с историей и порядковым номером создания.
type record struct {
	conv     Conversation
	messages []Message
	seq      int64
}

// MemoryStore потокобезопасное in-memory хранилище диалогов.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*record
	seq   int64
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, title string, metadata map[string]any) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	conv := Conversation{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(title),
		CreatedAt: s.now(),
		Metadata:  metadata,
	}
	s.convs[conv.ID] = &record{conv: conv, seq: s.seq}
	return conv, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*record, 0, len(s.convs))
	for _, rec := range s.convs {
		records = append(records, rec)
	}
	// Новые первыми; при равном времени решает порядок создания.
	sort.Slice(records, func(i, j int) bool {
		if !records[i].conv.CreatedAt.Equal(records[j].conv.CreatedAt) {
			return records[i].conv.CreatedAt.After(records[j].conv.CreatedAt)
		}
		return records[i].seq > records[j].seq
	})

	out := make([]Conversation, len(records))
	for i, rec := range records {
		out[i] = rec.conv
	}
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Возвращаем копию, чтобы избежать изменений снаружи
	messages := make([]Message, len(rec.messages))
	copy(messages, rec.messages)
	return messages, nil
}

func (s *MemoryStore) Append(ctx context.Context, id string, messages ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	for _, m := range messages {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		rec.messages = append(rec.messages, m)
	}
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	rec.conv.Title = normalizeTitle(title)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[id]; !ok {
		return ErrNotFound
	}
	delete(s.convs, id)
	return nil
}

// snapshot копия состояния в порядке создания, для FileStore.
func (s *MemoryStore) snapshot() []storedConversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*record, 0, len(s.convs))
	for _, rec := range s.convs {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].seq < records[j].seq })

	out := make([]storedConversation, len(records))
	for i, rec := range records {
		messages := make([]Message, len(rec.messages))
		copy(messages, rec.messages)
		out[i] = storedConversation{Conversation: rec.conv, Messages: messages}
	}
	return out
}

func (s *MemoryStore) restore(items []storedConversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.convs = make(map[string]*record, len(items))
	s.seq = 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		s.seq++
		s.convs[item.ID] = &record{conv: item.Conversation, messages: item.Messages, seq: s.seq}
	}
}
