package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatproxy/internal/config"
	"chatproxy/internal/llm"
)

// runStoreSuite общие проверки для всех реализаций Store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append and read preserve order", func(t *testing.T) {
		store := newStore(t)
		conv, err := store.Create(ctx, "", nil)
		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
		assert.Equal(t, DefaultTitle, conv.Title)

		require.NoError(t, store.Append(ctx, conv.ID,
			Message{Role: llm.RoleUser, Content: "Hello"},
			Message{Role: llm.RoleAssistant, Content: "Hi there"},
		))
		require.NoError(t, store.Append(ctx, conv.ID,
			Message{Role: llm.RoleUser, Content: "How are you?"},
			Message{Role: llm.RoleAssistant, Content: "Fine."},
		))

		messages, err := store.Messages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, messages, 4)
		want := []struct {
			role    llm.Role
			content string
		}{
			{llm.RoleUser, "Hello"},
			{llm.RoleAssistant, "Hi there"},
			{llm.RoleUser, "How are you?"},
			{llm.RoleAssistant, "Fine."},
		}
		for i, w := range want {
			assert.Equal(t, w.role, messages[i].Role, "message %d", i)
			assert.Equal(t, w.content, messages[i].Content, "message %d", i)
			assert.False(t, messages[i].CreatedAt.IsZero(), "message %d", i)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		store := newStore(t)
		first, err := store.Create(ctx, "first", nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := store.Create(ctx, "second", map[string]any{"source": "test"})
		require.NoError(t, err)

		convs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, second.ID, convs[0].ID)
		assert.Equal(t, first.ID, convs[1].ID)
		assert.Equal(t, "second", convs[0].Title)
	})

	t.Run("rename and delete", func(t *testing.T) {
		store := newStore(t)
		conv, err := store.Create(ctx, "old", nil)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, conv.ID, Message{Role: llm.RoleUser, Content: "x"}))

		require.NoError(t, store.Rename(ctx, conv.ID, "  new title "))
		convs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "new title", convs[0].Title)

		require.NoError(t, store.Delete(ctx, conv.ID))
		_, err = store.Messages(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		convs, err = store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, convs)
	})

	t.Run("unknown id", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Messages(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.Append(ctx, "missing", Message{Role: llm.RoleUser, Content: "x"}), ErrNotFound)
		assert.ErrorIs(t, store.Rename(ctx, "missing", "t"), ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	conv, err := store.Create(ctx, "c", nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, conv.ID, Message{Role: llm.RoleUser, Content: "original"}))

	messages, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	messages[0].Content = "mutated"

	again, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	conv, err := store.Create(ctx, "c", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Append(ctx, conv.ID, Message{Role: llm.RoleUser, Content: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()

	messages, err := store.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 20)
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewFileStore(filepath.Join(t.TempDir(), "conversations.json"))
		require.NoError(t, err)
		return store
	})
}

func TestFileStoreReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "conversations.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)
	conv, err := store.Create(ctx, "persisted", nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, conv.ID,
		Message{Role: llm.RoleUser, Content: "q"},
		Message{Role: llm.RoleAssistant, Content: "a"},
	))

	// Пересоздаем store, чтобы убедиться, что данные загружаются с диска.
	reloaded, err := NewFileStore(path)
	require.NoError(t, err)
	convs, err := reloaded.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "persisted", convs[0].Title)

	messages, err := reloaded.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "q", messages[0].Content)
	assert.Equal(t, llm.RoleAssistant, messages[1].Role)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSupabaseStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		server := httptest.NewServer(newFakePostgREST(t, "service-key"))
		t.Cleanup(server.Close)
		store, err := NewSupabaseStore(server.URL, "service-key", server.Client())
		require.NoError(t, err)
		return store
	})
}

func TestSupabaseStoreSurfacesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"relation \"conversations\" does not exist"}`))
	}))
	t.Cleanup(server.Close)

	store, err := NewSupabaseStore(server.URL, "key", server.Client())
	require.NoError(t, err)
	_, err = store.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewStoreSelectsDriver(t *testing.T) {
	store, err := NewStore(config.StoreConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = NewStore(config.StoreConfig{Driver: "memory"}, http.DefaultClient)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = NewStore(config.StoreConfig{SupabaseURL: "https://x.supabase.co", SupabaseKey: "k"}, http.DefaultClient)
	require.NoError(t, err)
	assert.IsType(t, &SupabaseStore{}, store)
}

func TestIsLocalID(t *testing.T) {
	assert.True(t, IsLocalID("local-123"))
	assert.False(t, IsLocalID("3f9c2c1e-1111-2222-3333-444455556666"))
}

// fakePostgREST минимальная эмуляция PostgREST для таблиц conversations и messages.
type fakePostgREST struct {
	t        *testing.T
	key      string
	mu       sync.Mutex
	seq      int
	batch    int
	convs    []map[string]any
	messages []map[string]any
}

func newFakePostgREST(t *testing.T, key string) *fakePostgREST {
	return &fakePostgREST{t: t, key: key}
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != f.key || r.Header.Get("Authorization") != "Bearer "+f.key {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	table := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	q := r.URL.Query()

	var rows *[]map[string]any
	switch table {
	case "conversations":
		rows = &f.convs
	case "messages":
		rows = &f.messages
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	match := func(row map[string]any) bool {
		for key, values := range q {
			if key == "select" || key == "order" {
				continue
			}
			want := strings.TrimPrefix(values[0], "eq.")
			if fmt.Sprint(row[key]) != want {
				return false
			}
		}
		return true
	}

	switch r.Method {
	case http.MethodGet:
		out := make([]map[string]any, 0)
		for _, row := range *rows {
			if match(row) {
				out = append(out, row)
			}
		}
		sortFakeRows(out, q.Get("order"))
		writeFakeJSON(w, out)

	case http.MethodPost:
		var body any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		items, ok := body.([]any)
		if !ok {
			items = []any{body}
		}
		created := make([]map[string]any, 0, len(items))
		// Как default now() в Postgres: у всех строк одной вставки одно время.
		f.batch++
		createdAt := fakeEpoch.Add(time.Duration(f.batch) * time.Millisecond).Format("2006-01-02T15:04:05.000000Z07:00")
		for _, item := range items {
			row := item.(map[string]any)
			f.seq++
			row["seq"] = f.seq
			row["created_at"] = createdAt
			if table == "conversations" {
				row["id"] = fmt.Sprintf("conv-%d", f.seq)
			} else {
				row["id"] = f.seq
			}
			*rows = append(*rows, row)
			created = append(created, row)
		}
		if r.Header.Get("Prefer") == "return=representation" {
			w.WriteHeader(http.StatusCreated)
			writeFakeJSON(w, created)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodPatch:
		var patch map[string]any
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&patch))
		out := make([]map[string]any, 0)
		for _, row := range *rows {
			if match(row) {
				for k, v := range patch {
					row[k] = v
				}
				out = append(out, row)
			}
		}
		writeFakeJSON(w, out)

	case http.MethodDelete:
		kept := (*rows)[:0]
		for _, row := range *rows {
			if !match(row) {
				kept = append(kept, row)
			}
		}
		*rows = kept
		w.WriteHeader(http.StatusNoContent)
	}
}

var fakeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// sortFakeRows сортирует по параметру order ("col.asc,col.desc").
// Строки, равные по всем ключам, идут в обратном порядке вставки:
// Postgres не гарантирует порядок без уникального ключа сортировки.
func sortFakeRows(rows []map[string]any, order string) {
	var keys []string
	if order != "" {
		keys = strings.Split(order, ",")
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			col, dir, _ := strings.Cut(key, ".")
			c := compareFakeValues(rows[i][col], rows[j][col])
			if c == 0 {
				continue
			}
			if dir == "desc" {
				return c > 0
			}
			return c < 0
		}
		return rows[i]["seq"].(int) > rows[j]["seq"].(int)
	})
}

func compareFakeValues(a, b any) int {
	ai, aok := a.(int)
	bi, bok := b.(int)
	if aok && bok {
		return ai - bi
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func writeFakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
