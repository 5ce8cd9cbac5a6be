// Package router is the entry point for device events. It resolves the
// sending connection to a user, picks the conversation context, runs
// the response pipeline, tags the reply with a mood, records the turn,
// and broadcasts the result to every connection in the user's room.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/frinny-ai/frinny/internal/agent"
	"github.com/frinny-ai/frinny/internal/contexts"
	"github.com/frinny-ai/frinny/internal/events"
	"github.com/frinny-ai/frinny/internal/mood"
)

// ContextSelector is the part of the context registry the router uses.
type ContextSelector interface {
	Select(ctx context.Context, userID, message, contextType string) (*contexts.Turn, error)
	Annotate(ctx context.Context, userID, contextID string, meta map[string]string) (contexts.Context, error)
}

// Classifier tags a reply with a mood.
type Classifier interface {
	Classify(prompt, reply, explicit string) mood.Result
}

// Config tunes a [Router].
type Config struct {
	// PipelineTimeout bounds each pipeline run.
	PipelineTimeout time.Duration
	// MaxAuditLog is how many outcomes are kept for inspection.
	MaxAuditLog int
}

// Router handles inbound events.
type Router struct {
	rooms      *Rooms
	registry   ContextSelector
	pipeline   agent.Pipeline
	classifier Classifier
	cfg        Config
	logger     *slog.Logger
	bus        *events.Bus

	audit *auditLog
}

// New creates a router.
func New(rooms *Rooms, registry ContextSelector, pipeline agent.Pipeline, classifier Classifier, cfg Config, logger *slog.Logger, bus *events.Bus) *Router {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 2 * time.Minute
	}
	if cfg.MaxAuditLog <= 0 {
		cfg.MaxAuditLog = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		rooms:      rooms,
		registry:   registry,
		pipeline:   pipeline,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		audit:      newAuditLog(cfg.MaxAuditLog),
	}
}

// Rooms returns the router's room map.
func (r *Router) Rooms() *Rooms { return r.rooms }

// Connect adds conn to its user's room and tells the room.
func (r *Router) Connect(conn Conn) {
	members := r.rooms.Join(conn)
	r.logger.Info("client connected", "user_id", conn.UserID(), "conn_id", conn.ID(), "members", members)
	r.broadcast(conn.UserID(), Envelope{
		Event:     EventConnected,
		Status:    StatusConnected,
		Timestamp: nowMillis(),
		UserID:    conn.UserID(),
		ConnID:    conn.ID(),
		Members:   members,
	})
	r.bus.Emit(events.SourceRouter, events.KindConnected, map[string]any{
		"user_id": conn.UserID(),
		"conn_id": conn.ID(),
		"members": members,
	})
}

// Disconnect removes conn from its room and tells the remaining
// members. Unknown connections are ignored.
func (r *Router) Disconnect(conn Conn) {
	userID, remaining, ok := r.rooms.Leave(conn.ID())
	if !ok {
		return
	}
	r.logger.Info("client disconnected", "user_id", userID, "conn_id", conn.ID(), "members", remaining)
	r.broadcast(userID, Envelope{
		Event:     EventDisconnected,
		Status:    StatusDisconnected,
		Timestamp: nowMillis(),
		UserID:    userID,
		ConnID:    conn.ID(),
		Members:   remaining,
	})
	r.bus.Emit(events.SourceRouter, events.KindDisconnected, map[string]any{
		"user_id": userID,
		"conn_id": conn.ID(),
		"members": remaining,
	})
}

// HandleEvent processes one inbound event from connID. Results and
// failures are broadcast to the user's room; the only error returned
// is ErrUnauthenticated, which the caller reports on the connection.
func (r *Router) HandleEvent(ctx context.Context, connID string, in Inbound) error {
	start := time.Now()
	userID, ok := r.rooms.Lookup(connID)
	if !ok {
		r.audit.countUnauthenticated()
		r.logger.Warn("event from unauthenticated connection", "conn_id", connID, "event", in.EventType)
		return ErrUnauthenticated
	}

	out := Outcome{
		Timestamp: start,
		RequestID: requestIDOf(in),
		UserID:    userID,
		ConnID:    connID,
		EventType: normalizeEvent(in.EventType),
	}
	if out.RequestID == "" {
		out.RequestID = uuid.NewString()
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic handling event",
				"request_id", out.RequestID,
				"user_id", userID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			r.fail(&out, start, CodeInternalError, agent.DefaultErrorMessage)
		}
	}()

	switch out.EventType {
	case "":
		r.fail(&out, start, CodeInvalidEvent, "event type is required")
		return nil
	case EventFeedback:
		r.handleFeedback(ctx, &out, in.Payload)
		return nil
	case EventQuery:
		r.broadcast(userID, Envelope{
			Event:     EventQuery + ackSuffix,
			RequestID: out.RequestID,
			Status:    StatusProcessing,
			Timestamp: nowMillis(),
		})
	}

	r.logger.Info("processing event",
		"request_id", out.RequestID,
		"user_id", userID,
		"conn_id", connID,
		"event", out.EventType,
	)
	r.runTurn(ctx, &out, start, in.Payload)
	return nil
}

func (r *Router) runTurn(ctx context.Context, out *Outcome, start time.Time, payload map[string]any) {
	message := messageText(payload)

	turn, err := r.registry.Select(ctx, out.UserID, message, out.EventType)
	if err != nil {
		r.logger.Error("context selection failed", "request_id", out.RequestID, "user_id", out.UserID, "error", err)
		r.fail(out, start, CodeInternalError, agent.DefaultErrorMessage)
		return
	}
	defer turn.Release()
	out.ContextID = turn.ID()
	out.Created = turn.Created()

	cur := turn.Context()
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PipelineTimeout)
	reply, err := r.pipeline.Run(pctx, cur.Messages, agent.Event{
		RequestID: out.RequestID,
		Type:      out.EventType,
		UserID:    out.UserID,
		ContextID: out.ContextID,
		Message:   message,
		Payload:   payload,
		Timestamp: start,
	})
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		code, userMsg := CodePipelineError, agent.DefaultErrorMessage
		var pe *agent.PipelineError
		if errors.As(err, &pe) && pe.UserMessage != "" {
			userMsg = pe.UserMessage
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			code = CodePipelineTimeout
		}
		r.logger.Error("pipeline failed",
			"request_id", out.RequestID,
			"user_id", out.UserID,
			"context_id", out.ContextID,
			"error_code", code,
			"error", err,
		)
		r.fail(out, start, code, userMsg)
		return
	}

	explicit, _ := payload["mood"].(string)
	tag := r.classifier.Classify(message, reply.Content, explicit)
	out.Mood, out.MoodSource = tag.Mood, tag.Source

	meta := make(map[string]string, len(reply.Metadata)+1)
	for k, v := range reply.Metadata {
		meta[k] = v
	}
	meta["last_mood"] = string(tag.Mood)

	// The reply exists now; record it even if the device went away.
	if _, err := turn.Append(context.WithoutCancel(ctx),
		contexts.Message{Role: contexts.RoleUser, Content: message},
		contexts.Message{Role: contexts.RoleAssistant, Content: reply.Content},
		meta,
	); err != nil {
		r.logger.Error("append turn failed", "request_id", out.RequestID, "context_id", out.ContextID, "error", err)
		r.fail(out, start, CodeInternalError, agent.DefaultErrorMessage)
		return
	}

	env := Envelope{
		Event:     out.EventType + responseSuffix,
		RequestID: out.RequestID,
		Status:    StatusSuccess,
		Timestamp: nowMillis(),
		ContextID: out.ContextID,
		Content:   reply.Content,
		Mood:      tag.Mood,
	}
	if out.EventType != EventQuery {
		env.Message = reply.Content
	}
	d := r.broadcast(out.UserID, env)
	out.Delivered, out.Failed = d.Delivered, d.Failed
	out.ElapsedMs = time.Since(start).Milliseconds()
	r.audit.record(*out)

	r.logger.Info("turn complete",
		"request_id", out.RequestID,
		"user_id", out.UserID,
		"context_id", out.ContextID,
		"created", out.Created,
		"mood", tag.Mood,
		"mood_source", tag.Source,
		"delivered", d.Delivered,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	r.bus.Emit(events.SourceRouter, events.KindTurnComplete, map[string]any{
		"request_id": out.RequestID,
		"user_id":    out.UserID,
		"context_id": out.ContextID,
		"mood":       string(tag.Mood),
		"delivered":  d.Delivered,
		"elapsed_ms": out.ElapsedMs,
	})
}

func (r *Router) handleFeedback(ctx context.Context, out *Outcome, payload map[string]any) {
	r.broadcast(out.UserID, Envelope{
		Event:     EventFeedbackResponse,
		RequestID: out.RequestID,
		Status:    StatusSuccess,
		Timestamp: nowMillis(),
		Message:   "Feedback received",
	})

	contextID, _ := payload["context_id"].(string)
	rating := feedbackValue(payload["rating"])
	r.logger.Info("feedback received",
		"request_id", out.RequestID,
		"user_id", out.UserID,
		"context_id", contextID,
		"rating", rating,
	)
	out.ContextID = contextID
	out.ElapsedMs = time.Since(out.Timestamp).Milliseconds()
	r.audit.record(*out)
	if contextID == "" {
		return
	}

	meta := FeedbackMetadata(out.RequestID, payload)
	if _, err := r.registry.Annotate(ctx, out.UserID, contextID, meta); err != nil {
		r.logger.Warn("feedback not recorded", "request_id", out.RequestID, "context_id", contextID, "error", err)
	}
}

// FeedbackMetadata maps a feedback payload onto context metadata keys.
func FeedbackMetadata(requestID string, payload map[string]any) map[string]string {
	meta := map[string]string{"feedback_request_id": requestID}
	if rating := feedbackValue(payload["rating"]); rating != "" {
		meta["feedback_rating"] = rating
	}
	if comment, ok := payload["comment"].(string); ok && comment != "" {
		meta["feedback_comment"] = comment
	}
	return meta
}

func feedbackValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// fail broadcasts an error envelope for the turn and records it.
func (r *Router) fail(out *Outcome, start time.Time, code, message string) {
	out.ErrorCode = code
	d := r.broadcast(out.UserID, ErrorEnvelope(out.RequestID, out.ContextID, code, message))
	out.Delivered, out.Failed = d.Delivered, d.Failed
	out.ElapsedMs = time.Since(start).Milliseconds()
	r.audit.record(*out)
	r.bus.Emit(events.SourceRouter, events.KindTurnFailed, map[string]any{
		"request_id": out.RequestID,
		"user_id":    out.UserID,
		"error_code": code,
	})
}

func (r *Router) broadcast(userID string, env Envelope) Delivery {
	d := r.rooms.Broadcast(userID, env)
	r.audit.countDelivery(d)
	return d
}
