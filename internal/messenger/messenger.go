// ABOUTME: Messenger contract every chat platform adapter implements
// ABOUTME: Adapters translate neutral messages to native payloads and deliver them

package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/skillbot/internal/conversation"
)

// ErrInvalidSignature is returned when a webhook delivery fails authentication.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrUnsupportedMessenger is returned for an unknown platform type.
var ErrUnsupportedMessenger = errors.New("unsupported messenger")

// Messenger delivers messages on one chat platform.
type Messenger interface {
	// Type is the platform name, e.g. "line".
	Type() string
	// CheckSupportedEventType reports whether flow can run for event.
	CheckSupportedEventType(event *conversation.Event, flow conversation.FlowKind) bool
	// Reply answers the event's sender.
	Reply(ctx context.Context, event *conversation.Event, msgs []conversation.Message) error
	// ReplyToCollect answers the sender with a question.
	ReplyToCollect(ctx context.Context, event *conversation.Event, msgs []conversation.Message) error
	// Send pushes msgs to recipientID.
	Send(ctx context.Context, event *conversation.Event, recipientID string, msgs []conversation.Message) error
	// Multicast pushes msgs to every recipient.
	Multicast(ctx context.Context, event *conversation.Event, recipientIDs []string, msgs []conversation.Message) error
	// CompileMessage fits msg to the platform's limits. The result is what
	// gets delivered and recorded in history.
	CompileMessage(ctx context.Context, msg conversation.Message) (conversation.Message, error)
}

// SupportsConversation is the common event check: conversational flows run
// on messages and postbacks only.
func SupportsConversation(event *conversation.Event, flow conversation.FlowKind) bool {
	switch flow {
	case conversation.FlowStartConversation, conversation.FlowReply, conversation.FlowBTW:
		return event.Type == conversation.EventMessage || event.Type == conversation.EventPostback
	}
	return false
}

// Registry maps platform types to messengers.
type Registry struct {
	mu         sync.RWMutex
	messengers map[string]Messenger
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		messengers: make(map[string]Messenger),
		logger:     logger.With("component", "messenger"),
	}
}

// Register adds m under m.Type().
func (r *Registry) Register(m Messenger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messengers[m.Type()]; exists {
		return fmt.Errorf("messenger %s already registered", m.Type())
	}
	r.messengers[m.Type()] = m
	r.logger.Info("=== MESSENGER REGISTERED ===", "type", m.Type())
	return nil
}

// Get returns the messenger for typ.
func (r *Registry) Get(typ string) (Messenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messengers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessenger, typ)
	}
	return m, nil
}

// Types lists registered platform types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.messengers))
	for t := range r.messengers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
