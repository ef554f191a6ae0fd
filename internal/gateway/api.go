// ABOUTME: HTTP handlers for messenger webhooks and the authenticated push API
// ABOUTME: Development mode answers with the resulting contexts; production acknowledges then processes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/skillbot/internal/auth"
	"github.com/2389/skillbot/internal/conversation"
	"github.com/2389/skillbot/internal/messenger"
	"github.com/2389/skillbot/internal/messenger/matrix"
	"github.com/2389/skillbot/internal/session"
)

// maxPushBody caps the push request body.
const maxPushBody = 1 << 20

// PushRequest is the JSON request body for POST /api/push.
type PushRequest struct {
	Platform string                 `json:"platform"`
	To       conversation.Recipient `json:"to"`
	Intent   conversation.Intent    `json:"intent"`
	Language string                 `json:"language,omitempty"`
}

// WebhookResponse is the development-mode body of a webhook response.
type WebhookResponse struct {
	Results []session.Result `json:"results"`
}

// validate checks required fields and fills the recipient type default.
func (p *PushRequest) validate() error {
	if p.Platform == "" {
		return errors.New("platform is required")
	}
	if p.To.ID == "" {
		return errors.New("to.id is required")
	}
	if p.Intent.Name == "" {
		return errors.New("intent.name is required")
	}
	if p.To.Type == "" {
		p.To.Type = conversation.SourceUser
	}
	return nil
}

// event builds the push event delivered to the flow engine.
func (p *PushRequest) event() *conversation.Event {
	to := p.To
	intent := p.Intent
	return &conversation.Event{
		ID:        uuid.NewString(),
		Platform:  p.Platform,
		Type:      conversation.EventPush,
		To:        &to,
		Intent:    &intent,
		Language:  p.Language,
		Timestamp: time.Now().UTC(),
	}
}

// handleWebhook handles POST /webhook/{platform}.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	m, ok := g.webhooks[platform]
	if !ok {
		g.webhookError(w, platform, http.StatusNotFound, "unknown platform")
		return
	}

	events, err := m.ParseRequest(r)
	if errors.Is(err, messenger.ErrInvalidSignature) {
		g.logger.Warn("rejected webhook with invalid signature", "platform", platform)
		g.webhookError(w, platform, http.StatusBadRequest, "invalid signature")
		return
	}
	if err != nil {
		g.logger.Warn("failed to parse webhook", "platform", platform, "error", err)
		g.webhookError(w, platform, http.StatusBadRequest, "invalid request")
		return
	}
	g.logger.Debug("webhook received", "platform", platform, "events", len(events))

	if g.config.IsDevelopment() {
		results, err := g.sessions.Process(r.Context(), m, events)
		if err != nil {
			g.webhookError(w, platform, http.StatusBadRequest, err.Error())
			return
		}
		g.metrics.RecordWebhook(platform, http.StatusOK)
		g.sendJSON(w, http.StatusOK, WebhookResponse{Results: results})
		return
	}

	g.dispatch(r.Context(), m, events)
	g.metrics.RecordWebhook(platform, http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

// dispatch processes events after the request has been answered. Failures
// are logged since nobody is waiting for them.
func (g *Gateway) dispatch(parent context.Context, m messenger.Messenger, events []*conversation.Event) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), backgroundTimeout)
		defer cancel()
		if _, err := g.sessions.Process(ctx, m, events); err != nil {
			g.logger.Error("failed to process events", "platform", m.Type(), "error", err)
		}
	}()
}

// syncHandler feeds events from a sync loop into the engine.
func (g *Gateway) syncHandler(m messenger.Messenger) matrix.Handler {
	return func(ctx context.Context, events []*conversation.Event) {
		if _, err := g.sessions.Process(ctx, m, events); err != nil {
			g.logger.Error("failed to process events", "platform", m.Type(), "error", err)
		}
	}
}

// handlePush handles POST /api/push. It runs the push flow synchronously and
// returns the session result.
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.messengers.Get(req.Platform)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := req.event()
	g.logger.Info("push requested",
		"subject", auth.SubjectFromContext(r.Context()),
		"platform", req.Platform,
		"to", req.To.ID,
		"intent", req.Intent.Name,
		"event_id", event.ID,
	)

	res, err := g.sessions.ProcessEvent(r.Context(), m, event)
	if err != nil {
		g.logger.Error("push failed", "event_id", event.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, res)
}

func (g *Gateway) webhookError(w http.ResponseWriter, platform string, status int, message string) {
	g.metrics.RecordWebhook(platform, status)
	g.sendJSONError(w, status, message)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
