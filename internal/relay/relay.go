package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chatproxy/internal/llm"
)

const (
	defaultStallTimeout = 4 * time.Second
	defaultMarker       = "..."
	errorPrefix         = "\n\nError: "
)

// State состояние одной сессии стриминга.
type State int

const (
	Idle State = iota
	Streaming
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	// StallTimeout через сколько после старта без единого фрагмента
	// отправляется keep-alive.
	StallTimeout time.Duration
	// KeepAliveMarker нейтральный текст, не считается содержимым ответа.
	KeepAliveMarker string
	// Describe текст ошибки для терминального фрагмента.
	Describe func(error) string
}

// Result итог сессии.
type Result struct {
	State         State
	Text          string
	Deltas        int
	KeepAliveSent bool
	Err           error
}

// FallbackEligible стрим упал, не показав клиенту ни одного фрагмента:
// ответ можно безопасно получить заново целиком.
func (r Result) FallbackEligible() bool {
	return r.State == Failed && r.Deltas == 0
}

// Wrote было ли что-то записано в тело ответа.
func (r Result) Wrote() bool {
	return r.Deltas > 0 || r.KeepAliveSent
}

// Relay пересылает фрагменты стрима клиенту.
type Relay struct {
	cfg Config
}

func New(cfg Config) *Relay {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.KeepAliveMarker == "" {
		cfg.KeepAliveMarker = defaultMarker
	}
	if cfg.Describe == nil {
		cfg.Describe = func(err error) string { return err.Error() }
	}
	return &Relay{cfg: cfg}
}

type item struct {
	text string
	err  error
}

// Run читает stream до конца и пишет фрагменты в w. Все записи выполняются
// из вызывающей горутины; чтение идёт в отдельной. После закрытия clientGone
// запись прекращается, а сессия завершается как Aborted на ближайшем
// фрагменте или конце стрима. stream закрывается перед возвратом.
func (r *Relay) Run(ctx context.Context, w io.Writer, clientGone <-chan struct{}, stream llm.Stream) Result {
	defer stream.Close()

	items := make(chan item)
	quit := make(chan struct{})
	defer close(quit)
	go pump(ctx, stream, items, quit)

	stall := time.NewTimer(r.cfg.StallTimeout)
	defer stall.Stop()
	stallC := stall.C

	res := Result{State: Streaming}
	var text strings.Builder
	gone := false

	finish := func(state State) Result {
		res.State = state
		res.Text = text.String()
		return res
	}

	for {
		select {
		case <-clientGone:
			gone = true
			clientGone = nil
			stallC = nil

		case <-stallC:
			stallC = nil
			if res.Deltas == 0 && !gone {
				if err := write(w, r.cfg.KeepAliveMarker); err != nil {
					gone = true
					continue
				}
				res.KeepAliveSent = true
			}

		case it := <-items:
			if !gone {
				select {
				case <-clientGone:
					gone = true
				default:
				}
			}
			if gone {
				return finish(Aborted)
			}
			if errors.Is(it.err, io.EOF) {
				return finish(Completed)
			}
			if it.err != nil {
				res.Err = it.err
				if res.Deltas > 0 {
					// Клиент уже рисует частичный ответ: ошибка дописывается в тело.
					_ = write(w, errorPrefix+r.cfg.Describe(it.err))
				}
				return finish(Failed)
			}

			stallC = nil
			if err := write(w, it.text); err != nil {
				return finish(Aborted)
			}
			text.WriteString(it.text)
			res.Deltas++
		}
	}
}

func pump(ctx context.Context, stream llm.Stream, items chan<- item, quit <-chan struct{}) {
	for {
		text, err := stream.Next(ctx)
		select {
		case items <- item{text: text, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func write(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
