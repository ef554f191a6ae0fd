// ABOUTME: Context is the serializable per-identity conversation state threaded through every flow
// ABOUTME: Sub-structures are always present after New or Unmarshal so flows never nil-check them

package conversation

import (
	"encoding/json"
	"fmt"
	"slices"
)

// FlowKind tags which flow variant produced the context.
type FlowKind string

const (
	FlowStartConversation FlowKind = "start_conversation"
	FlowReply             FlowKind = "reply"
	FlowBTW               FlowKind = "btw"
	FlowPush              FlowKind = "push"
	FlowBeacon            FlowKind = "beacon"
	FlowFollow            FlowKind = "follow"
	FlowUnfollow          FlowKind = "unfollow"
	FlowJoin              FlowKind = "join"
	FlowLeave             FlowKind = "leave"
)

// Speaker values recorded in Previous.Message.
const (
	FromUser = "user"
	FromBot  = "bot"
)

// Intent is a classified user goal, optionally carrying extracted parameters.
type Intent struct {
	Name         string         `json:"name"`
	ID           string         `json:"id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	TextResponse string         `json:"text_response,omitempty"`
	Fulfillment  []Message      `json:"fulfillment,omitempty"`
}

// HistoryMessage is one exchanged message in Previous.Message.
type HistoryMessage struct {
	From    string  `json:"from"`
	Message Message `json:"message"`
}

// Previous holds the session's exchange history. Slices are newest first.
type Previous struct {
	Confirmed []string         `json:"confirmed"`
	Message   []HistoryMessage `json:"message"`
	Event     *Event           `json:"event,omitempty"`
}

// ParamChange records a runtime change to a parameter definition. Param holds
// the changed fields only, keyed by field name, so replay is a shallow merge.
type ParamChange struct {
	Type  string                     `json:"type"`
	Key   string                     `json:"key"`
	Param map[string]json.RawMessage `json:"param"`
}

// Snapshot is the parent conversation saved while a sub-conversation runs.
type Snapshot struct {
	Intent             Intent         `json:"intent"`
	Skill              string         `json:"skill"`
	ToConfirm          []string       `json:"to_confirm"`
	Confirming         string         `json:"confirming,omitempty"`
	Confirmed          map[string]any `json:"confirmed"`
	Previous           Previous       `json:"previous"`
	ParamChangeHistory []ParamChange  `json:"param_change_history"`
	SenderLanguage     string         `json:"sender_language,omitempty"`
	Translation        string         `json:"translation,omitempty"`
}

// Context is the unit of conversational state persisted between events.
type Context struct {
	Flow   FlowKind `json:"flow"`
	Intent Intent   `json:"intent"`
	// Skill names the skill bound to Intent. The live definition is never
	// stored; flows rebuild it from the registry plus ParamChangeHistory.
	Skill              string         `json:"skill,omitempty"`
	Confirmed          map[string]any `json:"confirmed"`
	ToConfirm          []string       `json:"to_confirm"`
	Confirming         string         `json:"confirming,omitempty"`
	Previous           Previous       `json:"previous"`
	ParamChangeHistory []ParamChange  `json:"param_change_history"`
	SenderLanguage     string         `json:"sender_language,omitempty"`
	Translation        string         `json:"translation,omitempty"`
	Parent             *Snapshot      `json:"parent,omitempty"`

	// MessageQueue holds messages queued by skills until the next reply.
	MessageQueue []Message `json:"message_queue,omitempty"`

	// Control flags set by skills through the bot facade and consumed by finish.
	Pause bool `json:"pause,omitempty"`
	Exit  bool `json:"exit,omitempty"`
	Init  bool `json:"init,omitempty"`

	InProgress bool `json:"in_progress"`
}

// New returns an empty context with every sub-structure allocated.
func New() *Context {
	c := &Context{}
	c.normalize()
	return c
}

// Unmarshal decodes a stored context and fills in any missing sub-structures.
func Unmarshal(data []byte) (*Context, error) {
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding context: %w", err)
	}
	c.normalize()
	return &c, nil
}

// Marshal encodes the context for storage.
func (c *Context) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}
	return data, nil
}

func (c *Context) normalize() {
	if c.Confirmed == nil {
		c.Confirmed = map[string]any{}
	}
	if c.ToConfirm == nil {
		c.ToConfirm = []string{}
	}
	if c.Previous.Confirmed == nil {
		c.Previous.Confirmed = []string{}
	}
	if c.Previous.Message == nil {
		c.Previous.Message = []HistoryMessage{}
	}
	if c.ParamChangeHistory == nil {
		c.ParamChangeHistory = []ParamChange{}
	}
}

// HasFlag reports whether pause, exit or init is set.
func (c *Context) HasFlag() bool {
	return c.Pause || c.Exit || c.Init
}

// Unconfirm moves key to the head of ToConfirm. With dedup any other
// occurrence is removed first.
func (c *Context) Unconfirm(key string, dedup bool) {
	if dedup {
		c.RemoveToConfirm(key)
	}
	c.ToConfirm = slices.Insert(c.ToConfirm, 0, key)
}

// RemoveToConfirm drops every occurrence of key from ToConfirm.
func (c *Context) RemoveToConfirm(key string) {
	c.ToConfirm = slices.DeleteFunc(c.ToConfirm, func(k string) bool { return k == key })
}

// Confirm records value for key and updates the bookkeeping around it.
// The key is pushed onto Previous.Confirmed unless this is a change.
func (c *Context) Confirm(key string, value any, isChange bool) {
	c.Confirmed[key] = value
	if !isChange {
		c.Previous.Confirmed = slices.Insert(c.Previous.Confirmed, 0, key)
	}
	c.RemoveToConfirm(key)
	if c.Confirming == key {
		c.Confirming = ""
	}
}

// Record prepends a message to the exchange history.
func (c *Context) Record(from string, msg Message) {
	c.Previous.Message = slices.Insert(c.Previous.Message, 0, HistoryMessage{From: from, Message: msg})
}

// RecordChange prepends a parameter definition change to the history log.
func (c *Context) RecordChange(change ParamChange) {
	c.ParamChangeHistory = slices.Insert(c.ParamChangeHistory, 0, change)
}

// PushParent saves the running conversation as the parent and starts the
// child with an empty history. PopParent undoes it.
func (c *Context) PushParent() {
	c.Parent = c.snapshot()
	c.Previous.Confirmed = []string{}
	c.Previous.Message = []HistoryMessage{}
}

// snapshot captures the fields restored when a sub-conversation finishes.
func (c *Context) snapshot() *Snapshot {
	return &Snapshot{
		Intent:             c.Intent,
		Skill:              c.Skill,
		ToConfirm:          slices.Clone(c.ToConfirm),
		Confirming:         c.Confirming,
		Confirmed:          cloneMap(c.Confirmed),
		Previous:           clonePrevious(c.Previous),
		ParamChangeHistory: slices.Clone(c.ParamChangeHistory),
		SenderLanguage:     c.SenderLanguage,
		Translation:        c.Translation,
	}
}

// PopParent restores the parent saved by PushParent, carrying the child's
// message history in front of the parent's. It reports false when there is
// no parent.
func (c *Context) PopParent() bool {
	p := c.Parent
	if p == nil {
		return false
	}
	messages := append(slices.Clone(c.Previous.Message), p.Previous.Message...)
	event := c.Previous.Event

	c.Intent = p.Intent
	c.Skill = p.Skill
	c.ToConfirm = p.ToConfirm
	c.Confirming = p.Confirming
	c.Confirmed = p.Confirmed
	c.Previous = p.Previous
	c.Previous.Message = messages
	c.Previous.Event = event
	c.ParamChangeHistory = p.ParamChangeHistory
	c.SenderLanguage = p.SenderLanguage
	c.Translation = p.Translation
	c.Parent = nil
	c.normalize()
	return true
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePrevious(p Previous) Previous {
	return Previous{
		Confirmed: slices.Clone(p.Confirmed),
		Message:   slices.Clone(p.Message),
		Event:     p.Event,
	}
}
