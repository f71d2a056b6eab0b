package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deepresearch"

// Span names and attribute keys.
const (
	SpanTask            = "research.task"
	SpanAgentPrefix     = "research.agent."
	KeyTaskID           = "research.task.id"
	KeyTaskStatus       = "research.task.status"
	KeyAgentType        = "research.agent.type"
	KeyAgentAttempts    = "research.agent.attempts"
	KeyPromptTokens     = "research.agent.prompt_tokens"
	KeyCompletionTokens = "research.agent.completion_tokens"
	KeyFromStatus       = "research.transition.from"
	KeyToStatus         = "research.transition.to"
	EventTransition     = "task.transition"
	EventCancelled      = "task.cancelled"
	EventConflict       = "task.conflict"
)

// StartTaskSpan opens the root span for one driver run.
func StartTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(
		ctx,
		SpanTask,
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String(KeyTaskID, taskID)),
	)
}

// StartAgentSpan opens a child span around one adapter call.
func StartAgentSpan(ctx context.Context, taskID, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(
		ctx,
		SpanAgentPrefix+agentType,
		trace.WithAttributes(
			attribute.String(KeyTaskID, taskID),
			attribute.String(KeyAgentType, agentType),
		),
	)
}

// AddTransition records a status change on span.
func AddTransition(span trace.Span, from, to string) {
	span.AddEvent(EventTransition, trace.WithAttributes(
		attribute.String(KeyFromStatus, from),
		attribute.String(KeyToStatus, to),
	))
}

// End closes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
