package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/throw-if-null/deepresearch/internal/api"
	"github.com/throw-if-null/deepresearch/internal/eval"
	"github.com/throw-if-null/deepresearch/internal/logsink"
	"github.com/throw-if-null/deepresearch/internal/task"
	"github.com/throw-if-null/deepresearch/internal/version"
)

func submitCmd(c *apiClient) *cobra.Command {
	var req api.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit <topic>",
		Short: "Submit a research topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Topic = args[0]
			var out api.SubmitResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/research", req, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringSliceVar(&req.Subtopics, "subtopic", nil, "subtopic to cover (repeatable)")
	cmd.Flags().IntVar(&req.DepthLevel, "depth", 0, "depth level 1-5 (default 3)")
	cmd.Flags().StringVar(&req.Requirements, "requirements", "", "free-form requirements for the report")
	return cmd
}

func statusCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's progress and stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out api.StatusResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/research/"+url.PathEscape(args[0])+"/status", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func showCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print the full task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/research/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func listCmd(c *apiClient) *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if status != "" {
				q.Set("status", status)
			}
			path := "/v1/research"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out []api.StatusResponse
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, st := range out {
				fmt.Fprintf(w, "%s\t%s\t%s\trevisions=%d\n", st.TaskID, st.Status, st.CurrentStage, st.Progress.Revisions)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to list")
	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	return cmd
}

func logsCmd(c *apiClient) *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print a task's durable log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			for {
				q := url.Values{"after": {strconv.FormatInt(after, 10)}}
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
				var page api.LogsResponse
				if err := c.do(cmd.Context(), http.MethodGet, "/v1/research/"+url.PathEscape(args[0])+"/logs?"+q.Encode(), nil, &page); err != nil {
					return err
				}
				for _, e := range page.Entries {
					fmt.Fprintf(w, "%s [%s] %s\n", e.CreatedAt.Format(time.RFC3339), e.AgentType, e.Message)
				}
				if len(page.Entries) == 0 || limit > 0 {
					return nil
				}
				after = page.Next
			}
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only entries after this seq")
	cmd.Flags().IntVar(&limit, "limit", 0, "print a single page of at most this many entries")
	return cmd
}

func watchCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <task-id>",
		Short: "Stream a task's log live until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), c.wsURL("/v1/research/"+url.PathEscape(args[0])+"/live"), nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("watch: %s", resp.Status)
				}
				return err
			}
			defer conn.Close()

			w := cmd.OutOrStdout()
			for {
				var ev struct {
					Type string          `json:"type"`
					Seq  int64           `json:"seq"`
					Data json.RawMessage `json:"data"`
				}
				if err := conn.ReadJSON(&ev); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					return err
				}
				switch ev.Type {
				case logsink.TypeLogMessage:
					var d logsink.LogData
					if err := json.Unmarshal(ev.Data, &d); err != nil {
						return err
					}
					fmt.Fprintf(w, "%s [%s] %s\n", d.Timestamp.Format(time.RFC3339), d.Agent, d.Message)
				case logsink.TypeStatusUpdate:
					var d logsink.StatusData
					if err := json.Unmarshal(ev.Data, &d); err != nil {
						return err
					}
					if d.Reason != "" {
						fmt.Fprintf(w, "status: %s (%s)\n", d.Status, d.Reason)
					} else {
						fmt.Fprintf(w, "status: %s\n", d.Status)
					}
				}
			}
		},
	}
}

func cancelCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Request cancellation of a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out api.CancelResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/research/"+url.PathEscape(args[0])+"/cancel", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

var errGradeFailed = errors.New("report did not pass grading")

func gradeCmd(c *apiClient) *cobra.Command {
	var expect, sources []string
	var threshold float64
	pricing := eval.DefaultPricing
	cmd := &cobra.Command{
		Use:   "grade <task-id>",
		Short: "Grade a completed task's report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/research/"+url.PathEscape(args[0]), nil, &t); err != nil {
				return err
			}
			if t.Status != task.StatusCompleted {
				return fmt.Errorf("task %s is %s; only completed tasks can be graded", t.ID, t.Status)
			}

			g := eval.NewReportGrader()
			if threshold > 0 {
				g.Threshold = threshold
			}
			entries, err := allLogs(cmd.Context(), c, t.ID)
			if err != nil {
				return err
			}
			prompt, completion := eval.UsageFromLogs(entries)
			out := eval.Output{
				Report:           t.Report,
				PromptTokens:     prompt,
				CompletionTokens: completion,
				CostUSD:          pricing.Cost(prompt, completion),
			}

			cases := []eval.Case{{Name: t.ID, Input: t.Query.Topic, Expected: expect, ExpectedSources: sources}}
			records, err := eval.Run(cmd.Context(), cases, func(context.Context, eval.Case) (eval.Output, error) {
				return out, nil
			}, g, 1)
			if err != nil {
				return err
			}
			sum := eval.Summarize(t.ID, records, time.Now())
			if err := printJSON(cmd.OutOrStdout(), sum); err != nil {
				return err
			}
			if sum.Passed != sum.Total {
				return errGradeFailed
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&expect, "expect", nil, "keywords the report should cover")
	cmd.Flags().StringSliceVar(&sources, "expect-source", nil, "fragments expected among the references")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "pass threshold between 0 and 1 (default 0.7)")
	cmd.Flags().Float64Var(&pricing.PromptPerMTok, "prompt-price", pricing.PromptPerMTok, "USD per million prompt tokens")
	cmd.Flags().Float64Var(&pricing.CompletionPerMTok, "completion-price", pricing.CompletionPerMTok, "USD per million completion tokens")
	return cmd
}

// allLogs pages through a task's whole durable log.
func allLogs(ctx context.Context, c *apiClient, id string) ([]task.LogEntry, error) {
	var out []task.LogEntry
	var after int64
	for {
		var page api.LogsResponse
		q := url.Values{"after": {strconv.FormatInt(after, 10)}}
		if err := c.do(ctx, http.MethodGet, "/v1/research/"+url.PathEscape(id)+"/logs?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		if len(page.Entries) == 0 {
			return out, nil
		}
		out = append(out, page.Entries...)
		after = page.Next
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "research %s (%s)\n", version.Version, version.Commit)
		},
	}
}
