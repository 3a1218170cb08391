package domain

// StreamEventType classifies a chat stream event.
type StreamEventType string

const (
	EventToken StreamEventType = "token"
	EventDone  StreamEventType = "done"
	EventError StreamEventType = "error"
)

// StreamEvent is a tagged union of Token, Done and Error.
type StreamEvent struct {
	Type   StreamEventType
	Text   string               // cumulative text for EventToken, message for EventError
	Memory *ConversationMessage // optional summary carried by EventDone
}

// Terminal reports whether no further events follow this one.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func TokenEvent(text string) StreamEvent { return StreamEvent{Type: EventToken, Text: text} }

func DoneEvent(memory *ConversationMessage) StreamEvent {
	return StreamEvent{Type: EventDone, Memory: memory}
}

func ErrorEvent(message string) StreamEvent { return StreamEvent{Type: EventError, Text: message} }
