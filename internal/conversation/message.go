// ABOUTME: Platform-neutral message model used for history, skills and outbound delivery
// ABOUTME: Messenger adapters compile these into their native formats

package conversation

import "encoding/json"

// Message types.
const (
	MessageTypeText     = "text"
	MessageTypeButtons  = "buttons"
	MessageTypePostback = "postback"
	MessageTypeImage    = "image"
	MessageTypeSticker  = "sticker"
	MessageTypeLocation = "location"
	MessageTypeFile     = "file"
)

// Action types for button messages.
const (
	ActionMessage  = "message"
	ActionPostback = "postback"
)

// Message is a single chat message. Text messages carry Text; button messages
// carry Text as the prompt and Actions as the choices; postbacks carry Data.
type Message struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Text    string   `json:"text,omitempty"`
	AltText string   `json:"alt_text,omitempty"`
	Data    string   `json:"data,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Action is a choice offered by a button message.
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
	Data  string `json:"data,omitempty"`
}

// Text builds a text message.
func Text(text string) Message {
	return Message{Type: MessageTypeText, Text: text}
}

// Buttons builds a button message offering each choice as a message action.
func Buttons(prompt string, choices ...string) Message {
	m := Message{Type: MessageTypeButtons, Text: prompt, AltText: prompt}
	for _, c := range choices {
		m.Actions = append(m.Actions, Action{Type: ActionMessage, Label: c, Text: c})
	}
	return m
}

// Summary renders the message for the chat log: its text, its alt text, or JSON.
func (m Message) Summary() string {
	if m.Text != "" {
		return m.Text
	}
	if m.AltText != "" {
		return m.AltText
	}
	if m.Data != "" {
		return m.Data
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m.Type
	}
	return string(data)
}
