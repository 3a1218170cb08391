package domain

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleMemory marks a synthesized summary replacing older history.
	RoleMemory Role = "memory"
)

// ContentPart is one element of structured message content.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// MessageContent is either plain text or a list of structured parts.
// It marshals back to whichever form it was created from.
type MessageContent struct {
	text  string
	parts []ContentPart
}

// Text creates plain-text content.
func Text(s string) MessageContent { return MessageContent{text: s} }

// Parts creates structured content.
func Parts(parts ...ContentPart) MessageContent { return MessageContent{parts: parts} }

// String flattens the content to plain text, joining text parts with newlines.
func (c MessageContent) String() string {
	if c.parts == nil {
		return c.text
	}
	texts := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// IsZero reports whether the content is empty.
func (c MessageContent) IsZero() bool {
	return c.text == "" && len(c.parts) == 0
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.parts != nil {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{text: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if parts == nil {
		parts = []ContentPart{}
	}
	*c = MessageContent{parts: parts}
	return nil
}

// ConversationMessage is one entry of a chat history.
type ConversationMessage struct {
	Role    Role           `json:"role"`
	Content MessageContent `json:"content"`
}

// NewMessage creates a plain-text message.
func NewMessage(role Role, content string) ConversationMessage {
	return ConversationMessage{Role: role, Content: Text(content)}
}
