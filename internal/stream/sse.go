package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ragchat/internal/domain"
)

// SSESink writes events as server-sent events:
//
//	data: "<cumulative text>"
//	data: {"done":true,"memoryMessage":{...}}
//	data: {"error":"<message>"}
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func NewSSESink(w http.ResponseWriter) *SSESink {
	flusher, _ := w.(http.Flusher)
	return &SSESink{w: w, flusher: flusher}
}

// WriteHeaders sends the event-stream headers. Write calls it on first use.
func (s *SSESink) WriteHeaders() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
}

func (s *SSESink) Write(ev domain.StreamEvent) error {
	s.WriteHeaders()
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSESink) Close() error { return nil }

func (s *SSESink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

type doneFrame struct {
	Done          bool                        `json:"done"`
	MemoryMessage *domain.ConversationMessage `json:"memoryMessage,omitempty"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// EncodeEvent returns the JSON payload of an event's data line.
func EncodeEvent(ev domain.StreamEvent) ([]byte, error) {
	switch ev.Type {
	case domain.EventToken:
		return json.Marshal(ev.Text)
	case domain.EventDone:
		return json.Marshal(doneFrame{Done: true, MemoryMessage: ev.Memory})
	case domain.EventError:
		return json.Marshal(errorFrame{Error: ev.Text})
	default:
		return nil, fmt.Errorf("unknown stream event type %q", ev.Type)
	}
}

// TextSink prints the generated text incrementally to a terminal.
type TextSink struct {
	w    io.Writer
	text string
}

func NewTextSink(w io.Writer) *TextSink { return &TextSink{w: w} }

func (s *TextSink) Write(ev domain.StreamEvent) error {
	var err error
	switch ev.Type {
	case domain.EventToken:
		if strings.HasPrefix(ev.Text, s.text) {
			_, err = io.WriteString(s.w, ev.Text[len(s.text):])
		} else {
			_, err = fmt.Fprintf(s.w, "\n%s", ev.Text)
		}
		s.text = ev.Text
	case domain.EventDone:
		_, err = io.WriteString(s.w, "\n")
		if err == nil && ev.Memory != nil {
			_, err = fmt.Fprintf(s.w, "[memory] %s\n", ev.Memory.Content.String())
		}
	case domain.EventError:
		_, err = fmt.Fprintf(s.w, "\nerror: %s\n", ev.Text)
	}
	return err
}

func (s *TextSink) Close() error { return nil }
