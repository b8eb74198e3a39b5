package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// storedConversation формат записи в JSON-файле.
type storedConversation struct {
	Conversation
	Messages []Message `json:"messages"`
}

type fileSnapshot struct {
	Conversations []storedConversation `json:"conversations"`
}

// FileStore держит диалоги в памяти и после каждого изменения атомарно
// переписывает JSON-файл на диске.
type FileStore struct {
	mu   sync.Mutex
	mem  *MemoryStore
	path string
}

// NewFileStore создаёт FileStore и загружает данные из файла, если он есть.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore path is empty")
	}
	fs := &FileStore{mem: NewMemoryStore(), path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) Create(ctx context.Context, title string, metadata map[string]any) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.mem.Create(ctx, title, metadata)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.persistLocked(); err != nil {
		_ = s.mem.Delete(ctx, conv.ID)
		return Conversation{}, err
	}
	return conv, nil
}

func (s *FileStore) List(ctx context.Context) ([]Conversation, error) {
	return s.mem.List(ctx)
}

func (s *FileStore) Messages(ctx context.Context, id string) ([]Message, error) {
	return s.mem.Messages(ctx, id)
}

func (s *FileStore) Append(ctx context.Context, id string, messages ...Message) error {
	return s.mutate(func() error { return s.mem.Append(ctx, id, messages...) })
}

func (s *FileStore) Rename(ctx context.Context, id, title string) error {
	return s.mutate(func() error { return s.mem.Rename(ctx, id, title) })
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	return s.mutate(func() error { return s.mem.Delete(ctx, id) })
}

func (s *FileStore) mutate(apply func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := apply(); err != nil {
		return err
	}
	return s.persistLocked()
}

func (s *FileStore) load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode store file %s: %w", s.path, err)
	}
	s.mem.restore(snap.Conversations)
	return nil
}

func (s *FileStore) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := json.MarshalIndent(fileSnapshot{Conversations: s.mem.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
