package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubChat struct {
	calls []string
}

func (s *stubChat) Reply(w http.ResponseWriter, r *http.Request) {
	s.calls = append(s.calls, "reply")
	WriteJSON(w, http.StatusOK, map[string]string{"reply": "ok"})
}

func (s *stubChat) Stream(w http.ResponseWriter, r *http.Request) {
	s.calls = append(s.calls, "stream")
	w.Write([]byte("streamed"))
}

func (s *stubChat) Diag(w http.ResponseWriter, r *http.Request) {
	s.calls = append(s.calls, "diag")
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func newTestRouter(chat *stubChat, limit func(http.Handler) http.Handler) http.Handler {
	conversations := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path})
	})
	return NewRouter(RouterDeps{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Chat:          chat,
		Conversations: conversations,
		Health: HealthInfo{
			HasKey:     true,
			Port:       8787,
			KeyPreview: "AIza...9xYz",
			Provider:   "gemini",
		},
		RateLimit: limit,
	})
}

func TestRoutesServedAtRootAndUnderAPI(t *testing.T) {
	chat := &stubChat{}
	router := newTestRouter(chat, nil)

	for _, prefix := range []string{"", "/api"} {
		for _, tc := range []struct {
			method, path string
		}{
			{http.MethodPost, "/chat"},
			{http.MethodPost, "/chat/stream"},
			{http.MethodGet, "/diag"},
		} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, prefix+tc.path, strings.NewReader(`{}`)))
			if rec.Code != http.StatusOK {
				t.Fatalf("%s %s%s: status = %d", tc.method, prefix, tc.path, rec.Code)
			}
		}
	}
	if len(chat.calls) != 6 {
		t.Fatalf("calls = %v", chat.calls)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubChat{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["hasKey"] != true || body["hasConversationStore"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["keyPreview"] != "AIza...9xYz" || body["provider"] != "gemini" || body["port"] != float64(8787) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestConversationsMounted(t *testing.T) {
	router := newTestRouter(&stubChat{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitWrapsChatButNotHealth(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteJSONError(w, http.StatusTooManyRequests, "limited")
		})
	}
	chat := &stubChat{}
	router := newTestRouter(chat, deny)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`)))
	if rec.Code != http.StatusTooManyRequests || len(chat.calls) != 0 {
		t.Fatalf("chat: status = %d calls = %v", rec.Code, chat.calls)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status = %d", rec.Code)
	}
}

func TestPreflightHandledByCORS(t *testing.T) {
	router := newTestRouter(&stubChat{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat/stream", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}
