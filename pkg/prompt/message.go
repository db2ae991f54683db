package prompt

import (
	"encoding/json"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/pkg/errors"
)

type PartType string

const (
	PartTypeText     PartType = "text"
	PartTypeImageURL PartType = "image_url"
)

// Part is one element of a structured message.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Message is one entry of the linear prompt sent to a backend. A message is
// either plain text or, for user turns carrying attachments, a structured
// sequence of parts.
type Message struct {
	Role  conversation.Role
	Text  string
	Parts []Part
}

func NewSystemMessage(text string) Message {
	return Message{Role: conversation.RoleSystem, Text: text}
}

func NewUserMessage(text string) Message {
	return Message{Role: conversation.RoleUser, Text: text}
}

func NewAssistantMessage(text string) Message {
	return Message{Role: conversation.RoleAssistant, Text: text}
}

func (m Message) IsStructured() bool {
	return len(m.Parts) > 0
}

// Images returns the image payloads of a structured message, in order.
func (m Message) Images() []string {
	var ret []string
	for _, p := range m.Parts {
		if p.Type == PartTypeImageURL {
			ret = append(ret, p.ImageURL)
		}
	}
	return ret
}

// WireContent is the content string put on the wire: the plain text, or the
// JSON encoding of the parts for a structured message.
func (m Message) WireContent() (string, error) {
	if !m.IsStructured() {
		return m.Text, nil
	}
	b, err := json.Marshal(m.Parts)
	if err != nil {
		return "", errors.Wrap(err, "could not encode message parts")
	}
	return string(b), nil
}

// WireMessage is the {role, content} shape of a message in a chat request body.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func ToWire(messages []Message) ([]WireMessage, error) {
	ret := make([]WireMessage, 0, len(messages))
	for i, m := range messages {
		content, err := m.WireContent()
		if err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
		ret = append(ret, WireMessage{Role: string(m.Role), Content: content})
	}
	return ret, nil
}
