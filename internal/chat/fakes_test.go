package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"chatproxy/internal/config"
	"chatproxy/internal/conversation"
	"chatproxy/internal/llm"
	"chatproxy/internal/retry"
)

// fakeClient записывает запросы и отвечает по сценарию; n это номер вызова с 1.
type fakeClient struct {
	mu         sync.Mutex
	onceReqs   []llm.ChatRequest
	streamReqs []llm.ChatRequest
	once       func(n int, req llm.ChatRequest) (string, error)
	stream     func(n int, req llm.ChatRequest) (llm.Stream, error)
}

func (c *fakeClient) CompleteOnce(ctx context.Context, req llm.ChatRequest) (string, error) {
	c.mu.Lock()
	c.onceReqs = append(c.onceReqs, req)
	n := len(c.onceReqs)
	c.mu.Unlock()
	if c.once == nil {
		return "", errors.New("unexpected CompleteOnce call")
	}
	return c.once(n, req)
}

func (c *fakeClient) CompleteStreaming(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	c.mu.Lock()
	c.streamReqs = append(c.streamReqs, req)
	n := len(c.streamReqs)
	c.mu.Unlock()
	if c.stream == nil {
		return nil, errors.New("unexpected CompleteStreaming call")
	}
	return c.stream(n, req)
}

func (c *fakeClient) onceCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onceReqs)
}

func (c *fakeClient) streamCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streamReqs)
}

type chunk struct {
	delay time.Duration
	text  string
	err   error
}

// chunkStream отдаёт фрагменты по списку, затем io.EOF.
type chunkStream struct {
	chunks []chunk
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newChunkStream(chunks ...chunk) *chunkStream {
	return &chunkStream{chunks: chunks, closed: make(chan struct{})}
}

func (s *chunkStream) Next(ctx context.Context) (string, error) {
	if s.idx >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closed:
			return "", errors.New("stream closed")
		}
	}
	return c.text, c.err
}

func (s *chunkStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type failingAppendStore struct {
	*conversation.MemoryStore
}

func (failingAppendStore) Append(context.Context, string, ...conversation.Message) error {
	return errors.New("store is down")
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		SystemPrompt:    "You are a helpful assistant.",
		Temperature:     0.7,
		HistoryPairs:    3,
		ReplyMaxTokens:  96,
		StreamMaxTokens: 400,
		StreamTimeout:   5 * time.Second,
		StallTimeout:    time.Second,
		KeepAliveMarker: "...",
	}
}

func testPolicy() retry.Policy {
	return retry.Policy{
		Deadline:       time.Second,
		SecondDeadline: time.Second,
		BaseDelay:      time.Millisecond,
		Sleep:          func(context.Context, time.Duration) error { return nil },
		Rand:           func() float64 { return 0 },
	}
}

func newTestService(client llm.Client, store conversation.Store) *Service {
	return NewService(Deps{
		Client: client,
		Store:  store,
		Chat:   testChatConfig(),
		Retry:  testPolicy(),
	})
}

func userInput(texts ...string) Input {
	in := Input{}
	for i, text := range texts {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		in.Messages = append(in.Messages, InputMessage{Role: role, Content: text})
	}
	return in
}
