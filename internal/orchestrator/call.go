package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/task"
	"github.com/throw-if-null/deepresearch/internal/telemetry"
)

// callAgent invokes one adapter under the retry policy, logging the call,
// every tool call and retry, and the outcome with its token usage. A
// cancellation request recorded while the adapter fails stops further
// attempts.
func callAgent[T any](ctx context.Context, d *Driver, t *task.Task, agentType string, fn func(context.Context, task.Memory) (T, error)) (T, error) {
	mem := t.Memory()
	d.log(ctx, t.ID, agentType, agentType+" started", map[string]any{
		"status":         string(t.Status),
		"revision_count": t.RevisionCount,
	})

	actx, span := telemetry.StartAgentSpan(ctx, t.ID, agentType)
	actx, meter := agent.WithMeter(actx, func(c agent.ToolCall) {
		md := map[string]any{"tool": c.Tool, "query": c.Query, "results": c.Results}
		msg := fmt.Sprintf("tool call %s %q: %d results", c.Tool, c.Query, c.Results)
		if c.Err != nil {
			md["error"] = c.Err.Error()
			msg = fmt.Sprintf("tool call %s %q failed: %v", c.Tool, c.Query, c.Err)
		}
		d.log(ctx, t.ID, agentType, msg, md)
	})
	start := time.Now()
	v, attempts, err := agent.Call(actx, d.cfg.Retry, agent.Hooks{
		BeforeRetry: func(c context.Context) error { return d.cancelRequested(c, t.ID) },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.log(ctx, t.ID, agentType, fmt.Sprintf("attempt %d failed, retrying in %s: %v", attempt, wait.Round(time.Millisecond), err), map[string]any{
				"attempt":     attempt,
				"retry_in_ms": wait.Milliseconds(),
			})
		},
	}, func(c context.Context) (T, error) {
		return fn(c, mem)
	})

	usage := meter.Usage()
	span.SetAttributes(
		attribute.Int(telemetry.KeyAgentAttempts, attempts),
		attribute.Int(telemetry.KeyPromptTokens, usage.PromptTokens),
		attribute.Int(telemetry.KeyCompletionTokens, usage.CompletionTokens),
	)
	telemetry.End(span, err)

	md := map[string]any{
		"attempts":          attempts,
		"latency_ms":        time.Since(start).Milliseconds(),
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens(),
	}
	if len(usage.Tools) > 0 {
		md["tool"] = strings.Join(usage.Tools, ",")
	}
	if usage.ToolCalls > 0 {
		md["tool_calls"] = usage.ToolCalls
	}
	switch {
	case err == nil:
		d.log(ctx, t.ID, agentType, agentType+" finished", md)
	case errors.Is(err, task.ErrCancelled):
		d.log(ctx, t.ID, agentType, agentType+" stopped: cancellation requested", md)
	case ctx.Err() == nil:
		md["error"] = err.Error()
		d.log(ctx, t.ID, agentType, agentType+" failed", md)
	}
	return v, err
}

// cancelRequested reports task.ErrCancelled once a cancellation request is
// recorded for id. A failed read does not block the retry.
func (d *Driver) cancelRequested(ctx context.Context, id string) error {
	cur, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Warn("check cancellation before retry", zap.String("task_id", id), zap.Error(err))
		return nil
	}
	if cur.CancelRequested {
		return task.ErrCancelled
	}
	return nil
}
