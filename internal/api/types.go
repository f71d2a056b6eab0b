// Package api holds the JSON shapes shared by the daemon and the CLI.
package api

import (
	"github.com/throw-if-null/deepresearch/internal/projector"
	"github.com/throw-if-null/deepresearch/internal/task"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8765
)

type SubmitRequest struct {
	Topic        string   `json:"topic"`
	Subtopics    []string `json:"subtopics,omitempty"`
	DepthLevel   int      `json:"depth_level,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
}

func (r SubmitRequest) Query() task.Query {
	return task.Query{
		Topic:        r.Topic,
		Subtopics:    r.Subtopics,
		DepthLevel:   r.DepthLevel,
		Requirements: r.Requirements,
	}
}

type SubmitResponse struct {
	TaskID        string      `json:"task_id"`
	Status        task.Status `json:"status"`
	Message       string      `json:"message"`
	MonitoringURL string      `json:"monitoring_url"`
}

// StatusResponse is the projected status view.
type StatusResponse = projector.Status

type CancelResponse struct {
	TaskID          string      `json:"task_id"`
	Status          task.Status `json:"status"`
	CancelRequested bool        `json:"cancel_requested"`
}

// LogsResponse is one page of a task's durable log. Next is the seq to pass
// as ?after= for the following page.
type LogsResponse struct {
	TaskID  string          `json:"task_id"`
	Entries []task.LogEntry `json:"entries"`
	Next    int64           `json:"next"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}
