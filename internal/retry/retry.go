package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const (
	defaultDeadline  = 10 * time.Second
	defaultBaseDelay = 300 * time.Millisecond
	defaultJitter    = 200 * time.Millisecond
)

type Sleeper func(ctx context.Context, d time.Duration) error
type RandFunc func() float64

// Policy одна попытка с дедлайном плюс не более одного повтора при временном сбое.
type Policy struct {
	// Deadline ограничивает первую попытку.
	Deadline time.Duration
	// SecondDeadline ограничивает повторную попытку; при 0 повтор идёт до
	// естественного завершения (его ограничивает только ctx).
	SecondDeadline time.Duration
	BaseDelay      time.Duration
	Jitter         time.Duration
	Sleep          Sleeper
	Rand           RandFunc
	// OnRetry вызывается перед паузой повтора с причиной.
	OnRetry func(ctx context.Context, reason string)
}

func DefaultPolicy() Policy {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Policy{
		Deadline:       defaultDeadline,
		SecondDeadline: defaultDeadline,
		BaseDelay:      defaultBaseDelay,
		Jitter:         defaultJitter,
		Sleep:          defaultSleep,
		Rand:           rng.Float64,
	}
}

// TimeoutError попытка не уложилась в дедлайн и была брошена.
type TimeoutError struct {
	Deadline time.Duration
	Attempt  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: upstream too slow (attempt %d, no response within %s)", e.Attempt, e.Deadline)
}

// statusCoder ошибки, несущие HTTP-статус провайдера.
type statusCoder interface {
	StatusCode() int
}

// Do выполняет op не более двух раз. Первая попытка соревнуется с таймером
// Deadline; при временном сбое после паузы BaseDelay+rand*Jitter выполняется
// ровно одна повторная попытка. Нетранзиентные ошибки возвращаются сразу.
func Do[T any](ctx context.Context, policy Policy, logger *slog.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	policy = withDefaults(policy)

	result, err := attempt(ctx, policy.Deadline, 1, op)
	if err == nil {
		return result, nil
	}
	if !IsTransient(ctx, err) {
		return result, err
	}

	delay := policy.retryDelay()
	reason := Reason(err)
	logRetry(logger, reason, delay, err)
	if policy.OnRetry != nil {
		policy.OnRetry(ctx, reason)
	}
	if err := policy.Sleep(ctx, delay); err != nil {
		var zero T
		return zero, err
	}

	return attempt(ctx, policy.SecondDeadline, 2, op)
}

type outcome[T any] struct {
	value T
	err   error
}

// attempt запускает op в отдельной горутине и ждёт первого из: результата,
// дедлайна, отмены ctx. Проигравшая попытка не ждётся: её контекст
// отменяется, а поздний результат закрывается, если он io.Closer.
func attempt[T any](ctx context.Context, deadline time.Duration, n int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	if deadline <= 0 {
		value, err := op(attemptCtx)
		if err != nil {
			cancel(err)
			return zero, err
		}
		context.AfterFunc(ctx, func() { cancel(nil) })
		return value, nil
	}

	done := make(chan outcome[T], 1)
	go func() {
		value, err := op(attemptCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			cancel(res.err)
			return zero, res.err
		}
		// Контекст успешной попытки живёт до конца родительского: из него читается стрим.
		context.AfterFunc(ctx, func() { cancel(nil) })
		return res.value, nil
	case <-timer.C:
		timeoutErr := &TimeoutError{Deadline: deadline, Attempt: n}
		cancel(timeoutErr)
		go discard(done)
		return zero, timeoutErr
	case <-ctx.Done():
		err := ctx.Err()
		cancel(err)
		go discard(done)
		return zero, err
	}
}

func discard[T any](done <-chan outcome[T]) {
	res := <-done
	if res.err != nil {
		return
	}
	if closer, ok := any(res.value).(io.Closer); ok {
		_ = closer.Close()
	}
}

func withDefaults(p Policy) Policy {
	if p.Deadline == 0 {
		p.Deadline = defaultDeadline
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	if p.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.Rand = rng.Float64
	}
	return p
}

func (p Policy) retryDelay() time.Duration {
	return p.BaseDelay + time.Duration(p.Rand()*float64(p.Jitter))
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var transientMessage = regexp.MustCompile(`(?i)timeout|timed out|exhausted|quota|429|reset|temporar|rate.?limit`)

// IsTransient сообщает, имеет ли смысл немедленный повтор: лимиты и квоты,
// таймауты, обрыв соединения. Отмена запроса повтором не лечится.
func IsTransient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusServiceUnavailable:
			return true
		}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return transientMessage.MatchString(err.Error())
}

// Reason короткая причина повтора для логов и метрик.
func Reason(err error) string {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return "rate limit"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota"), strings.Contains(msg, "exhausted"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return "rate limit"
	case errors.Is(err, syscall.ECONNRESET), strings.Contains(msg, "reset"):
		return "connection reset"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "temporar"):
		return "temporary"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "transient error"
}

func logRetry(logger *slog.Logger, reason string, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("retrying upstream call",
		slog.Int("attempt", 2),
		slog.Int("max_attempts", 2),
		slog.String("reason", reason),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()),
	)
}
