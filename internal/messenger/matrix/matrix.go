// ABOUTME: Matrix adapter: turns synced room events into conversation events and sends replies
// ABOUTME: Choices are rendered as a numbered list and numeric answers are mapped back to them

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/ttlcache"
)

// Type is the platform name of this adapter.
const Type = "matrix"

// choiceTTL bounds how long a numbered answer maps back to an offered choice.
const choiceTTL = 30 * time.Minute

// networkTimeout is the timeout for joining rooms.
const networkTimeout = 10 * time.Second

// Handler receives events converted from the sync stream.
type Handler func(ctx context.Context, events []*conversation.Event)

// client is the subset of the mautrix client the adapter calls.
type client interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// Messenger is the Matrix adapter. Conversations are keyed by room.
type Messenger struct {
	cfg     config.MatrixConfig
	client  client
	sync    *mautrix.Client
	choices *ttlcache.Cache[[]conversation.Action]
	logger  *slog.Logger
}

var _ messenger.Messenger = (*Messenger)(nil)

// New creates a Matrix messenger from configuration.
func New(cfg config.MatrixConfig, logger *slog.Logger) (*Messenger, error) {
	c, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	m := newMessenger(cfg, c, logger)
	m.sync = c
	return m, nil
}

func newMessenger(cfg config.MatrixConfig, c client, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		cfg:     cfg,
		client:  c,
		choices: ttlcache.New[[]conversation.Action](choiceTTL, ttlcache.WithMaxSize[[]conversation.Action](10000)),
		logger:  logger.With("component", "matrix"),
	}
}

// Run syncs with the homeserver and hands each accepted event to handle.
// It blocks until ctx is cancelled or the sync fails.
func (m *Messenger) Run(ctx context.Context, handle Handler) error {
	if m.sync == nil {
		return fmt.Errorf("matrix messenger has no sync client")
	}
	m.logger.Info("starting matrix sync", "homeserver", m.cfg.Homeserver, "user_id", m.cfg.UserID)

	syncer, ok := m.sync.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.sync.Syncer)
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if e := m.convertMessage(evt); e != nil {
			handle(ctx, []*conversation.Event{e})
		}
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if e := m.acceptInvite(ctx, evt); e != nil {
			handle(ctx, []*conversation.Event{e})
		}
	})

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- m.sync.SyncWithContext(syncCtx)
	}()

	select {
	case <-ctx.Done():
		m.logger.Info("shutting down matrix sync")
		cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// Close releases the choice cache.
func (m *Messenger) Close() {
	m.choices.Close()
}

// Type implements messenger.Messenger.
func (m *Messenger) Type() string { return Type }

// CheckSupportedEventType implements messenger.Messenger.
func (m *Messenger) CheckSupportedEventType(ev *conversation.Event, flow conversation.FlowKind) bool {
	return messenger.SupportsConversation(ev, flow)
}

// convertMessage maps a room message to an event, or nil when it is ignored.
// A numeric answer to the last offered choices becomes that choice.
func (m *Messenger) convertMessage(evt *event.Event) *conversation.Event {
	if evt.Sender == id.UserID(m.cfg.UserID) {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil
	}
	roomID := evt.RoomID.String()
	if !m.isAllowed(roomID, evt.Sender.String()) {
		m.logger.Debug("ignoring message from non-allowed sender", "room", roomID, "sender", evt.Sender.String())
		return nil
	}

	e := m.newEvent(conversation.EventMessage, evt)
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		body := strings.TrimSpace(content.Body)
		if body == "" {
			return nil
		}
		if action, ok := m.pickChoice(roomID, body); ok {
			if action.Type == conversation.ActionPostback {
				e.Type = conversation.EventPostback
				e.Postback = &conversation.Postback{Data: action.Data}
				return e
			}
			body = action.Text
		}
		e.Message = &conversation.Message{Type: conversation.MessageTypeText, ID: evt.ID.String(), Text: body}
	case event.MsgImage:
		e.Message = &conversation.Message{Type: conversation.MessageTypeImage, ID: evt.ID.String(), Data: string(content.URL)}
	case event.MsgFile:
		e.Message = &conversation.Message{Type: conversation.MessageTypeFile, ID: evt.ID.String(), Text: content.Body}
	case event.MsgLocation:
		e.Message = &conversation.Message{Type: conversation.MessageTypeLocation, ID: evt.ID.String(), Text: content.GeoURI}
	default:
		return nil
	}
	return e
}

// acceptInvite joins rooms the bot is invited to and reports a join event.
func (m *Messenger) acceptInvite(ctx context.Context, evt *event.Event) *conversation.Event {
	if evt.GetStateKey() != m.cfg.UserID {
		return nil
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return nil
	}
	roomID := evt.RoomID.String()
	if !m.isAllowed(roomID, evt.Sender.String()) {
		m.logger.Info("declining invite", "room", roomID, "sender", evt.Sender.String())
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := m.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		m.logger.Error("failed to join room", "room", roomID, "error", err)
		return nil
	}
	m.logger.Info("joined room", "room", roomID, "inviter", evt.Sender.String())
	return m.newEvent(conversation.EventJoin, evt)
}

func (m *Messenger) newEvent(typ conversation.EventType, evt *event.Event) *conversation.Event {
	return &conversation.Event{
		ID:        evt.ID.String(),
		Platform:  Type,
		Type:      typ,
		Source:    conversation.Source{Type: conversation.SourceRoom, ID: evt.RoomID.String(), UserID: evt.Sender.String()},
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
	}
}

func (m *Messenger) isAllowed(roomID, sender string) bool {
	if len(m.cfg.AllowedRooms) > 0 && !slices.Contains(m.cfg.AllowedRooms, roomID) {
		return false
	}
	if len(m.cfg.AllowedUsers) > 0 && !slices.Contains(m.cfg.AllowedUsers, sender) {
		return false
	}
	return true
}

func (m *Messenger) pickChoice(roomID, body string) (conversation.Action, bool) {
	n, err := strconv.Atoi(body)
	if err != nil {
		return conversation.Action{}, false
	}
	actions, ok := m.choices.Get(roomID)
	if !ok || n < 1 || n > len(actions) {
		return conversation.Action{}, false
	}
	m.choices.Delete(roomID)
	return actions[n-1], true
}

// Reply implements messenger.Messenger.
func (m *Messenger) Reply(ctx context.Context, ev *conversation.Event, msgs []conversation.Message) error {
	return m.sendAll(ctx, ev.Source.ID, msgs)
}

// ReplyToCollect implements messenger.Messenger.
func (m *Messenger) ReplyToCollect(ctx context.Context, ev *conversation.Event, msgs []conversation.Message) error {
	return m.sendAll(ctx, ev.Source.ID, msgs)
}

// Send implements messenger.Messenger. recipientID is a room id.
func (m *Messenger) Send(ctx context.Context, _ *conversation.Event, recipientID string, msgs []conversation.Message) error {
	return m.sendAll(ctx, recipientID, msgs)
}

// Multicast implements messenger.Messenger.
func (m *Messenger) Multicast(ctx context.Context, _ *conversation.Event, recipientIDs []string, msgs []conversation.Message) error {
	for _, to := range recipientIDs {
		if err := m.sendAll(ctx, to, msgs); err != nil {
			return err
		}
	}
	return nil
}

// CompileMessage implements messenger.Messenger. Buttons become a markdown
// numbered list under the prompt.
func (m *Messenger) CompileMessage(_ context.Context, msg conversation.Message) (conversation.Message, error) {
	switch msg.Type {
	case conversation.MessageTypeText, conversation.MessageTypeImage:
		return msg, nil
	case conversation.MessageTypeButtons:
		var b strings.Builder
		b.WriteString(msg.Text)
		if len(msg.Actions) > 0 {
			b.WriteString("\n\n")
			for i, a := range msg.Actions {
				fmt.Fprintf(&b, "%d. %s\n", i+1, a.Label)
			}
		}
		out := msg
		out.Text = strings.TrimRight(b.String(), "\n")
		return out, nil
	}
	return msg, fmt.Errorf("matrix cannot send %q messages", msg.Type)
}

func (m *Messenger) sendAll(ctx context.Context, roomID string, msgs []conversation.Message) error {
	for _, msg := range msgs {
		if len(msg.Actions) > 0 {
			m.choices.Set(roomID, msg.Actions)
		}
		content, err := toContent(msg)
		if err != nil {
			return err
		}
		if _, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
			return fmt.Errorf("sending to room %s: %w", roomID, err)
		}
	}
	return nil
}

func toContent(msg conversation.Message) (*event.MessageEventContent, error) {
	switch msg.Type {
	case conversation.MessageTypeImage:
		return &event.MessageEventContent{
			MsgType: event.MsgImage,
			Body:    msg.AltText,
			URL:     id.ContentURIString(msg.Data),
		}, nil
	case conversation.MessageTypeText, conversation.MessageTypeButtons:
		content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Text}
		var html bytes.Buffer
		if err := goldmark.Convert([]byte(msg.Text), &html); err != nil {
			return nil, fmt.Errorf("rendering markdown: %w", err)
		}
		rendered := strings.TrimSpace(html.String())
		if rendered != "<p>"+msg.Text+"</p>" {
			content.Format = event.FormatHTML
			content.FormattedBody = rendered
		}
		return content, nil
	}
	return nil, fmt.Errorf("matrix cannot send %q messages", msg.Type)
}
