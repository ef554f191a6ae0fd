// Package conversation defines the conversational data model shared by every
// part of the bot: the persisted Context, inbound Events, chat Messages and
// the Recorder that logs skill status and chat lines.
//
// # Context
//
// A Context is keyed by the identity an event belongs to (see Event.SenderID)
// and survives between webhook deliveries through a memory store:
//
//	c := conversation.New()
//	c.Intent = conversation.Intent{Name: "order_pizza"}
//	c.Unconfirm("size", true)
//	data, _ := c.Marshal()
//	restored, _ := conversation.Unmarshal(data)
//
// New and Unmarshal always allocate Confirmed, ToConfirm, Previous and
// ParamChangeHistory. Ordered slices (ToConfirm, Previous.Confirmed,
// Previous.Message, ParamChangeHistory) are newest first.
//
// The skill bound to the intent is stored by name only. Flows rebuild the
// definition each turn from the skill registry and replay ParamChangeHistory
// over it.
//
// # Sub-conversations
//
// Snapshot captures the fields of the current conversation into Parent before a
// nested conversation starts. PopParent restores them once the nested one
// finishes, keeping the nested exchange at the front of the message history.
//
// # Events and Messages
//
// Messenger adapters translate platform payloads into Event values. Accessors
// such as ParamValue and MessageText give flows the same view regardless of
// platform. Message is the neutral outbound and history format; adapters
// compile it into platform messages.
//
// # Recorder
//
// Recorder emits "skill status" entries (launched, completed, aborted, abend,
// switched, restarted, dug) and "chat" entries to slog, and optionally to a
// LogSink such as the SQLite memory store.
package conversation
