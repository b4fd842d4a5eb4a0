// Package sse frames and parses text/event-stream bodies incrementally.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

// Done is the data payload OpenAI-style streams use as a terminator.
var Done = []byte("[DONE]")

type Event struct {
	Event string
	Data  []byte
}

func (e Event) IsDone() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), Done)
}

// Encode renders the event in wire form, including the blank-line
// terminator.
func (e Event) Encode() []byte {
	var buf bytes.Buffer
	if e.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(e.Event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Parser accumulates raw bytes and yields complete events. Partial events
// stay buffered until more input or Flush arrives.
type Parser struct {
	buf []byte
}

func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 4096)}
}

// Feed appends chunk and returns the events it completed.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)
	return p.drain(false)
}

// Flush returns any trailing event that was not terminated by a blank line.
func (p *Parser) Flush() []Event {
	return p.drain(true)
}

func (p *Parser) drain(flush bool) []Event {
	var events []Event
	for {
		block, rest, ok := nextBlock(p.buf, flush)
		if !ok {
			return events
		}
		p.buf = rest
		if ev, ok := parseBlock(block); ok {
			events = append(events, ev)
		}
	}
}

func nextBlock(buf []byte, flush bool) ([]byte, []byte, bool) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return buf[:crlf], buf[crlf+4:], true
	case lf >= 0:
		return buf[:lf], buf[lf+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func parseBlock(block []byte) (Event, bool) {
	var ev Event
	var data [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			ev.Event = string(value)
		case "data":
			data = append(data, value)
		}
	}
	if len(data) == 0 && ev.Event == "" {
		return ev, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev, true
}

// Reader pulls events from a stream, reading as little as needed.
type Reader struct {
	r       *bufio.Reader
	p       *Parser
	buf     []byte
	pending []Event
	eof     bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 16*1024), p: NewParser(), buf: make([]byte, 4096)}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return Event{}, io.EOF
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.p.Feed(r.buf[:n])...)
		}
		if err == io.EOF {
			r.eof = true
			r.pending = append(r.pending, r.p.Flush()...)
			continue
		}
		if err != nil {
			return Event{}, err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
