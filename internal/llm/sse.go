package llm

import (
	"bufio"
	"bytes"
	"io"
)

const maxSSELine = 1 << 20

// sseEvent одно событие Server-Sent Events.
type sseEvent struct {
	Type string
	Data []byte
}

// sseDecoder читает события из тела ответа построчно.
type sseDecoder struct {
	scanner *bufio.Scanner
	current sseEvent
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseDecoder{scanner: scanner}
}

// Next продвигается к следующему событию. false: поток закончился или
// произошла ошибка чтения (см. Err).
func (d *sseDecoder) Next() bool {
	event := ""
	var data bytes.Buffer
	hasData := false

	for d.scanner.Scan() {
		line := d.scanner.Bytes()

		// Пустая строка завершает событие.
		if len(line) == 0 {
			if !hasData {
				event = ""
				continue
			}
			d.current = sseEvent{Type: event, Data: bytes.TrimSuffix(data.Bytes(), []byte("\n"))}
			return true
		}

		name, value, _ := bytes.Cut(line, []byte(":"))
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}

		switch string(name) {
		case "":
			continue // комментарий
		case "event":
			event = string(value)
		case "data":
			data.Write(value)
			data.WriteByte('\n')
			hasData = true
		}
	}

	// Последнее событие без завершающей пустой строки.
	if hasData {
		d.current = sseEvent{Type: event, Data: bytes.TrimSuffix(data.Bytes(), []byte("\n"))}
		return true
	}
	return false
}

func (d *sseDecoder) Event() sseEvent {
	return d.current
}

func (d *sseDecoder) Err() error {
	return d.scanner.Err()
}
