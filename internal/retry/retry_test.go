package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type recordSleeper struct {
	delays []time.Duration
}

func (s *recordSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

type statusErr struct {
	code int
	msg  string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) StatusCode() int { return e.code }

type fakeStream struct {
	closed atomic.Bool
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func testPolicy(sleep *recordSleeper) Policy {
	return Policy{
		Deadline:       time.Second,
		SecondDeadline: time.Second,
		BaseDelay:      300 * time.Millisecond,
		Jitter:         200 * time.Millisecond,
		Sleep:          sleep.Sleep,
		Rand:           func() float64 { return 0.5 },
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	sleep := &recordSleeper{}
	var calls int
	var reasons []string
	policy := testPolicy(sleep)
	policy.OnRetry = func(_ context.Context, reason string) { reasons = append(reasons, reason) }

	got, err := Do(context.Background(), policy, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &statusErr{code: http.StatusTooManyRequests, msg: "RESOURCE_EXHAUSTED"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("unexpected result: %q", got)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(sleep.delays) != 1 || sleep.delays[0] != 400*time.Millisecond {
		t.Fatalf("expected single 400ms backoff, got %v", sleep.delays)
	}
	if len(reasons) != 1 || reasons[0] != "rate limit" {
		t.Fatalf("unexpected retry reasons: %v", reasons)
	}
}

func TestNoRetryOnPermanentError(t *testing.T) {
	sleep := &recordSleeper{}
	var calls int
	_, err := Do(context.Background(), testPolicy(sleep), nil, func(ctx context.Context) (string, error) {
		calls++
		return "", &statusErr{code: http.StatusBadRequest, msg: "invalid argument"}
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(sleep.delays) != 0 {
		t.Fatalf("expected no sleeps, got %v", sleep.delays)
	}
}

func TestAtMostTwoAttempts(t *testing.T) {
	sleep := &recordSleeper{}
	var calls int
	_, err := Do(context.Background(), testPolicy(sleep), nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, &statusErr{code: http.StatusTooManyRequests, msg: "quota"}
	})
	var se *statusErr
	if !errors.As(err, &se) {
		t.Fatalf("expected last error to be returned, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDeadlineAbandonsSlowAttempt(t *testing.T) {
	sleep := &recordSleeper{}
	policy := testPolicy(sleep)
	policy.Deadline = 20 * time.Millisecond
	policy.SecondDeadline = 20 * time.Millisecond

	var calls atomic.Int32
	cancelled := make(chan struct{}, 2)
	_, err := Do(context.Background(), policy, nil, func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		cancelled <- struct{}{}
		return "", ctx.Err()
	})

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if timeoutErr.Attempt != 2 {
		t.Fatalf("expected second attempt to time out, got attempt %d", timeoutErr.Attempt)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	// Брошенные попытки получают отмену контекста.
	for i := 0; i < 2; i++ {
		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatalf("abandoned attempt %d was not cancelled", i+1)
		}
	}
}

func TestSecondAttemptWithoutDeadline(t *testing.T) {
	sleep := &recordSleeper{}
	policy := testPolicy(sleep)
	policy.Deadline = 20 * time.Millisecond
	policy.SecondDeadline = 0

	var calls atomic.Int32
	got, err := Do(context.Background(), policy, nil, func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		time.Sleep(60 * time.Millisecond)
		return "late but fine", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "late but fine" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestLateResultIsClosed(t *testing.T) {
	sleep := &recordSleeper{}
	policy := testPolicy(sleep)
	policy.Deadline = 10 * time.Millisecond

	late := &fakeStream{}
	release := make(chan struct{})
	var calls atomic.Int32
	got, err := Do(context.Background(), policy, nil, func(ctx context.Context) (io.Closer, error) {
		if calls.Add(1) == 1 {
			<-release
			return late, nil
		}
		close(release)
		return &fakeStream{}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == late {
		t.Fatalf("abandoned result must not be returned")
	}
	deadline := time.Now().Add(time.Second)
	for !late.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("late result was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealBackoffElapsed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	policy := DefaultPolicy()
	start := time.Now()
	body, err := Do(context.Background(), policy, nil, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		if err != nil {
			return "", err
		}
		resp, err := server.Client().Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", &statusErr{code: resp.StatusCode, msg: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		data, err := io.ReadAll(resp.Body)
		return string(data), err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "ok" {
		t.Fatalf("unexpected body: %q", body)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("retry happened too early: %s", elapsed)
	}
}

func TestContextCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := DefaultPolicy()
	policy.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	var calls int
	_, err := Do(ctx, policy, nil, func(ctx context.Context) (string, error) {
		calls++
		return "", &statusErr{code: http.StatusServiceUnavailable, msg: "unavailable"}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit status", &statusErr{code: 429, msg: "too many"}, true},
		{"unavailable", &statusErr{code: 503, msg: "overloaded"}, true},
		{"bad request", &statusErr{code: 400, msg: "bad"}, false},
		{"quota message", errors.New("RESOURCE_EXHAUSTED: quota exceeded"), true},
		{"attempt timeout", &TimeoutError{Deadline: time.Second, Attempt: 1}, true},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"unexpected eof", fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF), true},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"missing key", errors.New("upstream api key is not configured"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(context.Background(), tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
