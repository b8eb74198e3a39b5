package llm

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// chunkParser разбирает data одного SSE-события.
// done == true означает явный признак конца ответа от провайдера.
type chunkParser func(data []byte) (text string, done bool, err error)

// sseStream реализует Stream поверх тела SSE-ответа.
type sseStream struct {
	body     io.ReadCloser
	dec      *sseDecoder
	parse    chunkParser
	finished bool
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc, parse chunkParser) *sseStream {
	return &sseStream{
		body:   body,
		dec:    newSSEDecoder(body),
		parse:  parse,
		cancel: cancel,
	}
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.finished {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.dec.Next() {
			if err := s.dec.Err(); err != nil {
				return "", fmt.Errorf("read stream: %w", err)
			}
			// Соединение закрылось без признака конца ответа.
			return "", fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)
		}

		text, done, err := s.parse(s.dec.Event().Data)
		if err != nil {
			return "", err
		}
		if done {
			s.finished = true
		}
		if text != "" {
			return text, nil
		}
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
