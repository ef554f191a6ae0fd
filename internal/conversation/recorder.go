// ABOUTME: Recorder writes skill status transitions and chat lines to the structured log
// ABOUTME: When a LogSink is attached every entry is also persisted for audit

package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Skill status values.
const (
	StatusLaunched  = "launched"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusAbend     = "abend"
	StatusSwitched  = "switched"
	StatusRestarted = "restarted"
	StatusDug       = "dug"
)

// Log entry kinds.
const (
	KindSkillStatus = "skill_status"
	KindChat        = "chat"
)

// LogEntry is one persisted skill status or chat line.
type LogEntry struct {
	ID         string
	Kind       string
	UserID     string
	Skill      string
	Status     string
	Confirming string
	Who        string
	Message    string
	CreatedAt  time.Time
}

// LogSink persists log entries.
type LogSink interface {
	SaveLogEntry(ctx context.Context, entry *LogEntry) error
}

// Recorder reports conversation milestones. It is safe for concurrent use.
type Recorder struct {
	sink   LogSink
	logger *slog.Logger
}

// NewRecorder creates a Recorder. sink may be nil.
func NewRecorder(sink LogSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:   sink,
		logger: logger.With("component", "conversation"),
	}
}

// SkillStatus records a skill lifecycle transition for a user.
func (r *Recorder) SkillStatus(ctx context.Context, userID, skill, status, confirming string) {
	r.logger.Info("skill status",
		"user_id", userID,
		"skill", skill,
		"status", status,
		"confirming", confirming,
	)
	r.save(ctx, &LogEntry{
		Kind:       KindSkillStatus,
		UserID:     userID,
		Skill:      skill,
		Status:     status,
		Confirming: confirming,
	})
}

// Chat records a message exchanged with a user. who is FromUser or FromBot.
func (r *Recorder) Chat(ctx context.Context, userID, skill, who string, msg Message) {
	text := msg.Summary()
	r.logger.Debug("chat",
		"user_id", userID,
		"skill", skill,
		"who", who,
		"message", text,
	)
	r.save(ctx, &LogEntry{
		Kind:    KindChat,
		UserID:  userID,
		Skill:   skill,
		Who:     who,
		Message: text,
	})
}

func (r *Recorder) save(ctx context.Context, entry *LogEntry) {
	if r.sink == nil {
		return
	}
	entry.ID = uuid.New().String()
	entry.CreatedAt = time.Now().UTC()
	if err := r.sink.SaveLogEntry(ctx, entry); err != nil {
		r.logger.Error("failed to persist log entry", "kind", entry.Kind, "user_id", entry.UserID, "error", err)
	}
}
