// ABOUTME: Platform-neutral inbound event produced by messenger adapters
// ABOUTME: Accessors cover sender, session, recipient and parameter value extraction

package conversation

import "time"

// EventType identifies the kind of inbound event.
type EventType string

const (
	EventMessage  EventType = "message"
	EventPostback EventType = "postback"
	EventFollow   EventType = "follow"
	EventUnfollow EventType = "unfollow"
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventBeacon   EventType = "beacon"
	// EventPush is raised by the push API rather than by a platform.
	EventPush EventType = "skillbot:push"
)

// Source types.
const (
	SourceUser  = "user"
	SourceGroup = "group"
	SourceRoom  = "room"
)

// Source identifies where an event came from. ID is the user, group or room id
// according to Type; UserID is the speaking user when known.
type Source struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
}

// Recipient is the target of a push event.
type Recipient struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Postback is the payload of a postback event.
type Postback struct {
	Data   string            `json:"data"`
	Params map[string]string `json:"params,omitempty"`
}

// Beacon is the payload of a beacon event. Type is "enter", "leave" or "banner".
type Beacon struct {
	Type string `json:"type"`
	HWID string `json:"hwid,omitempty"`
}

// Event is one normalized inbound event.
type Event struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`
	Type       EventType  `json:"type"`
	ReplyToken string     `json:"reply_token,omitempty"`
	Source     Source     `json:"source"`
	Message    *Message   `json:"message,omitempty"`
	Postback   *Postback  `json:"postback,omitempty"`
	Beacon     *Beacon    `json:"beacon,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	To         *Recipient `json:"to,omitempty"`
	Intent     *Intent    `json:"intent,omitempty"`
	Language   string     `json:"language,omitempty"`
}

// SenderID returns the identity the conversation belongs to. Push events
// belong to their recipient.
func (e *Event) SenderID() string {
	if e.Type == EventPush {
		return e.ToID()
	}
	return e.Source.ID
}

// SessionID returns the id handed to the NLU service.
func (e *Event) SessionID() string {
	return e.SenderID()
}

// ToID returns the push recipient id, or "" for platform events.
func (e *Event) ToID() string {
	if e.To == nil {
		return ""
	}
	return e.To.ID
}

// IsTextMessage reports whether the event is a text message.
func (e *Event) IsTextMessage() bool {
	return e.Type == EventMessage && e.Message != nil && e.Message.Type == MessageTypeText
}

// ExtractMessage returns the user's message as recorded in history.
func (e *Event) ExtractMessage() Message {
	switch e.Type {
	case EventMessage:
		if e.Message != nil {
			return *e.Message
		}
	case EventPostback:
		if e.Postback != nil {
			return Message{Type: MessageTypePostback, Data: e.Postback.Data}
		}
	}
	return Message{Type: string(e.Type)}
}

// MessageText returns the text of a message event or the data of a postback.
func (e *Event) MessageText() string {
	switch e.Type {
	case EventMessage:
		if e.Message != nil {
			return e.Message.Text
		}
	case EventPostback:
		if e.Postback != nil {
			return e.Postback.Data
		}
	}
	return ""
}

// ParamValue returns the raw candidate value for the parameter being confirmed:
// the text of a text message, the message itself for other message types, and
// the postback payload as {data, params} for postbacks.
func (e *Event) ParamValue() any {
	switch e.Type {
	case EventMessage:
		if e.Message == nil {
			return nil
		}
		if e.Message.Type == MessageTypeText {
			return e.Message.Text
		}
		return *e.Message
	case EventPostback:
		if e.Postback == nil {
			return nil
		}
		v := map[string]any{"data": e.Postback.Data}
		if len(e.Postback.Params) > 0 {
			params := make(map[string]any, len(e.Postback.Params))
			for k, p := range e.Postback.Params {
				params[k] = p
			}
			v["params"] = params
		}
		return v
	}
	return nil
}

// PostbackPayload returns the postback data, or "" when the event is not a postback.
func (e *Event) PostbackPayload() string {
	if e.Postback == nil {
		return ""
	}
	return e.Postback.Data
}

// BeaconType returns "enter", "leave" or "" for beacon events.
func (e *Event) BeaconType() string {
	if e.Beacon == nil {
		return ""
	}
	switch e.Beacon.Type {
	case "enter", "leave":
		return e.Beacon.Type
	}
	return ""
}
