package agent

import (
	"context"
	"slices"
	"sync"
)

// ToolCall is one external lookup made while an adapter ran.
type ToolCall struct {
	Tool    string
	Query   string
	Results int
	Err     error
}

// Usage totals what an adapter call consumed across all of its attempts.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	// Tools lists the distinct tools used, in first-use order.
	Tools     []string
	ToolCalls int
}

func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Meter collects usage reported by adapters through the context. It is safe
// for concurrent use; a researcher's parallel searches share one meter.
type Meter struct {
	mu     sync.Mutex
	usage  Usage
	onTool func(ToolCall)
}

type meterKey struct{}

// WithMeter attaches a fresh Meter to ctx. onTool, when set, sees every tool
// call as it is recorded.
func WithMeter(ctx context.Context, onTool func(ToolCall)) (context.Context, *Meter) {
	m := &Meter{onTool: onTool}
	return context.WithValue(ctx, meterKey{}, m), m
}

func meterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterKey{}).(*Meter)
	return m
}

// RecordTokens adds model token usage to the meter on ctx, if any.
func RecordTokens(ctx context.Context, tool string, prompt, completion int) {
	m := meterFrom(ctx)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.PromptTokens += prompt
	m.usage.CompletionTokens += completion
	m.addTool(tool)
}

// RecordTool reports a tool call to the meter on ctx, if any.
func RecordTool(ctx context.Context, call ToolCall) {
	m := meterFrom(ctx)
	if m == nil {
		return
	}
	m.mu.Lock()
	m.usage.ToolCalls++
	m.addTool(call.Tool)
	m.mu.Unlock()
	if m.onTool != nil {
		m.onTool(call)
	}
}

func (m *Meter) addTool(tool string) {
	if tool != "" && !slices.Contains(m.usage.Tools, tool) {
		m.usage.Tools = append(m.usage.Tools, tool)
	}
}

func (m *Meter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage
	u.Tools = slices.Clone(u.Tools)
	return u
}
