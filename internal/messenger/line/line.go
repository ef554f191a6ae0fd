// ABOUTME: LINE Messaging API adapter: webhook parsing, message compilation and delivery
// ABOUTME: Buttons are rendered as text messages with quick reply items

package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"github.com/2389/skillbot/internal/config"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
)

// Type is the platform name of this adapter.
const Type = "line"

// Platform limits.
const (
	maxLabelRunes      = 20
	maxQuickReplyItems = 13
	maxTextRunes       = 5000
	maxMessagesPerCall = 5
)

// client is the subset of the Messaging API the adapter calls.
type client interface {
	Reply(ctx context.Context, replyToken string, msgs []messaging_api.MessageInterface) error
	Push(ctx context.Context, to string, msgs []messaging_api.MessageInterface) error
	Multicast(ctx context.Context, to []string, msgs []messaging_api.MessageInterface) error
}

// Messenger is the LINE adapter.
type Messenger struct {
	secret string
	client client
	logger *slog.Logger
}

var _ messenger.Messenger = (*Messenger)(nil)

// New creates a LINE messenger from configuration.
func New(cfg config.LineConfig, logger *slog.Logger) (*Messenger, error) {
	api, err := messaging_api.NewMessagingApiAPI(cfg.ChannelAccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating line client: %w", err)
	}
	return newMessenger(cfg.ChannelSecret, &apiClient{api: api}, logger), nil
}

func newMessenger(secret string, c client, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{
		secret: secret,
		client: c,
		logger: logger.With("component", "line"),
	}
}

// Type implements messenger.Messenger.
func (m *Messenger) Type() string { return Type }

// CheckSupportedEventType implements messenger.Messenger.
func (m *Messenger) CheckSupportedEventType(event *conversation.Event, flow conversation.FlowKind) bool {
	return messenger.SupportsConversation(event, flow)
}

// ParseRequest verifies the X-Line-Signature header and converts the
// delivered events. Event types the bot does not handle are dropped.
func (m *Messenger) ParseRequest(r *http.Request) ([]*conversation.Event, error) {
	cb, err := webhook.ParseRequest(m.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, messenger.ErrInvalidSignature
		}
		return nil, fmt.Errorf("parsing line webhook: %w", err)
	}

	events := make([]*conversation.Event, 0, len(cb.Events))
	for _, raw := range cb.Events {
		e := convertEvent(raw)
		if e == nil {
			m.logger.Debug("skipping unsupported line event", "type", fmt.Sprintf("%T", raw))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Reply implements messenger.Messenger. LINE accepts five messages per reply
// token; the rest are pushed to the sender.
func (m *Messenger) Reply(ctx context.Context, event *conversation.Event, msgs []conversation.Message) error {
	native, err := toNative(msgs)
	if err != nil {
		return err
	}
	if len(native) == 0 {
		return nil
	}

	head := native
	var rest []messaging_api.MessageInterface
	if len(native) > maxMessagesPerCall {
		head, rest = native[:maxMessagesPerCall], native[maxMessagesPerCall:]
	}
	if err := m.client.Reply(ctx, event.ReplyToken, head); err != nil {
		return fmt.Errorf("line reply: %w", err)
	}
	if len(rest) > 0 {
		m.logger.Warn("reply exceeds message limit, pushing remainder", "user_id", event.SenderID(), "count", len(rest))
		return m.push(ctx, event.SenderID(), rest)
	}
	return nil
}

// ReplyToCollect implements messenger.Messenger. Questions need no special
// treatment on LINE.
func (m *Messenger) ReplyToCollect(ctx context.Context, event *conversation.Event, msgs []conversation.Message) error {
	return m.Reply(ctx, event, msgs)
}

// Send implements messenger.Messenger.
func (m *Messenger) Send(ctx context.Context, _ *conversation.Event, recipientID string, msgs []conversation.Message) error {
	native, err := toNative(msgs)
	if err != nil {
		return err
	}
	return m.push(ctx, recipientID, native)
}

// Multicast implements messenger.Messenger.
func (m *Messenger) Multicast(ctx context.Context, _ *conversation.Event, recipientIDs []string, msgs []conversation.Message) error {
	native, err := toNative(msgs)
	if err != nil {
		return err
	}
	for _, batch := range chunk(native, maxMessagesPerCall) {
		if err := m.client.Multicast(ctx, recipientIDs, batch); err != nil {
			return fmt.Errorf("line multicast: %w", err)
		}
	}
	return nil
}

func (m *Messenger) push(ctx context.Context, to string, native []messaging_api.MessageInterface) error {
	for _, batch := range chunk(native, maxMessagesPerCall) {
		if err := m.client.Push(ctx, to, batch); err != nil {
			return fmt.Errorf("line push: %w", err)
		}
	}
	return nil
}

// CompileMessage implements messenger.Messenger. Labels and texts are cut to
// the platform limits and surplus choices are dropped.
func (m *Messenger) CompileMessage(_ context.Context, msg conversation.Message) (conversation.Message, error) {
	switch msg.Type {
	case conversation.MessageTypeText, conversation.MessageTypeButtons, conversation.MessageTypeImage:
	default:
		return msg, fmt.Errorf("line cannot send %q messages", msg.Type)
	}

	out := msg
	out.Text = truncate(msg.Text, maxTextRunes)
	if len(msg.Actions) > 0 {
		n := min(len(msg.Actions), maxQuickReplyItems)
		if n < len(msg.Actions) {
			m.logger.Warn("dropping choices over the quick reply limit", "choices", len(msg.Actions), "limit", maxQuickReplyItems)
		}
		out.Actions = make([]conversation.Action, n)
		for i, a := range msg.Actions[:n] {
			a.Label = truncate(a.Label, maxLabelRunes)
			out.Actions[i] = a
		}
	}
	return out, nil
}

func convertEvent(raw webhook.EventInterface) *conversation.Event {
	switch e := raw.(type) {
	case webhook.MessageEvent:
		msg := convertMessage(e.Message)
		if msg == nil {
			return nil
		}
		ev := newEvent(conversation.EventMessage, e.WebhookEventId, e.Timestamp, e.Source)
		ev.ReplyToken = e.ReplyToken
		ev.Message = msg
		return ev
	case webhook.PostbackEvent:
		ev := newEvent(conversation.EventPostback, e.WebhookEventId, e.Timestamp, e.Source)
		ev.ReplyToken = e.ReplyToken
		ev.Postback = &conversation.Postback{}
		if e.Postback != nil {
			ev.Postback.Data = e.Postback.Data
			if len(e.Postback.Params) > 0 {
				ev.Postback.Params = e.Postback.Params
			}
		}
		return ev
	case webhook.FollowEvent:
		ev := newEvent(conversation.EventFollow, e.WebhookEventId, e.Timestamp, e.Source)
		ev.ReplyToken = e.ReplyToken
		return ev
	case webhook.UnfollowEvent:
		return newEvent(conversation.EventUnfollow, e.WebhookEventId, e.Timestamp, e.Source)
	case webhook.JoinEvent:
		ev := newEvent(conversation.EventJoin, e.WebhookEventId, e.Timestamp, e.Source)
		ev.ReplyToken = e.ReplyToken
		return ev
	case webhook.LeaveEvent:
		return newEvent(conversation.EventLeave, e.WebhookEventId, e.Timestamp, e.Source)
	case webhook.BeaconEvent:
		ev := newEvent(conversation.EventBeacon, e.WebhookEventId, e.Timestamp, e.Source)
		ev.ReplyToken = e.ReplyToken
		if e.Beacon != nil {
			ev.Beacon = &conversation.Beacon{Type: string(e.Beacon.Type), HWID: e.Beacon.Hwid}
		}
		return ev
	}
	return nil
}

func newEvent(typ conversation.EventType, id string, ts int64, src webhook.SourceInterface) *conversation.Event {
	return &conversation.Event{
		ID:        id,
		Platform:  Type,
		Type:      typ,
		Source:    convertSource(src),
		Timestamp: time.UnixMilli(ts).UTC(),
	}
}

func convertSource(src webhook.SourceInterface) conversation.Source {
	switch s := src.(type) {
	case webhook.UserSource:
		return conversation.Source{Type: conversation.SourceUser, ID: s.UserId, UserID: s.UserId}
	case webhook.GroupSource:
		return conversation.Source{Type: conversation.SourceGroup, ID: s.GroupId, UserID: s.UserId}
	case webhook.RoomSource:
		return conversation.Source{Type: conversation.SourceRoom, ID: s.RoomId, UserID: s.UserId}
	}
	return conversation.Source{}
}

func convertMessage(content webhook.MessageContentInterface) *conversation.Message {
	switch c := content.(type) {
	case webhook.TextMessageContent:
		return &conversation.Message{Type: conversation.MessageTypeText, ID: c.Id, Text: c.Text}
	case webhook.ImageMessageContent:
		return &conversation.Message{Type: conversation.MessageTypeImage, ID: c.Id}
	case webhook.StickerMessageContent:
		return &conversation.Message{Type: conversation.MessageTypeSticker, ID: c.Id, Data: c.PackageId + "/" + c.StickerId}
	case webhook.LocationMessageContent:
		return &conversation.Message{Type: conversation.MessageTypeLocation, ID: c.Id, Text: c.Address}
	case webhook.FileMessageContent:
		return &conversation.Message{Type: conversation.MessageTypeFile, ID: c.Id, Text: c.FileName}
	}
	return nil
}

func toNative(msgs []conversation.Message) ([]messaging_api.MessageInterface, error) {
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, msg := range msgs {
		n, err := toNativeMessage(msg)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func toNativeMessage(msg conversation.Message) (messaging_api.MessageInterface, error) {
	switch msg.Type {
	case conversation.MessageTypeText:
		return &messaging_api.TextMessage{Text: msg.Text}, nil
	case conversation.MessageTypeButtons:
		tm := &messaging_api.TextMessage{Text: msg.Text}
		if tm.Text == "" {
			tm.Text = msg.AltText
		}
		if len(msg.Actions) > 0 {
			tm.QuickReply = &messaging_api.QuickReply{}
			for _, a := range msg.Actions {
				tm.QuickReply.Items = append(tm.QuickReply.Items, messaging_api.QuickReplyItem{
					Type:   "action",
					Action: toNativeAction(a),
				})
			}
		}
		return tm, nil
	case conversation.MessageTypeImage:
		return &messaging_api.ImageMessage{OriginalContentUrl: msg.Data, PreviewImageUrl: msg.Data}, nil
	}
	return nil, fmt.Errorf("line cannot send %q messages", msg.Type)
}

func toNativeAction(a conversation.Action) messaging_api.ActionInterface {
	if a.Type == conversation.ActionPostback {
		return &messaging_api.PostbackAction{Label: a.Label, Data: a.Data, DisplayText: a.Label}
	}
	text := a.Text
	if text == "" {
		text = a.Label
	}
	return &messaging_api.MessageAction{Label: a.Label, Text: text}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// apiClient adapts the generated Messaging API client.
type apiClient struct {
	api *messaging_api.MessagingApiAPI
}

func (c *apiClient) Reply(ctx context.Context, replyToken string, msgs []messaging_api.MessageInterface) error {
	_, err := c.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   msgs,
	})
	return err
}

func (c *apiClient) Push(ctx context.Context, to string, msgs []messaging_api.MessageInterface) error {
	_, err := c.api.WithContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: msgs,
	}, "")
	return err
}

func (c *apiClient) Multicast(ctx context.Context, to []string, msgs []messaging_api.MessageInterface) error {
	_, err := c.api.WithContext(ctx).Multicast(&messaging_api.MulticastRequest{
		To:       to,
		Messages: msgs,
	}, "")
	return err
}
