package task

import (
	"strings"
	"time"
)

const (
	DefaultDepthLevel = 3
	MinDepthLevel     = 1
	MaxDepthLevel     = 5
)

// Agent types recorded on log entries.
const (
	AgentOrchestrator = "orchestrator"
	AgentPlanner      = "planner"
	AgentResearcher   = "researcher"
	AgentCritic       = "critic"
	AgentReviser      = "reviser"
)

// Feedback decisions.
const (
	DecisionApprove = "approve"
	DecisionRevise  = "revise"
)

// Query is the immutable research request.
type Query struct {
	Topic        string   `json:"topic"`
	Subtopics    []string `json:"subtopics,omitempty"`
	DepthLevel   int      `json:"depth_level,omitempty"`
	Requirements string   `json:"requirements,omitempty"`
}

// Normalize trims the query, applies the default depth and validates it.
func (q Query) Normalize() (Query, error) {
	q.Topic = strings.TrimSpace(q.Topic)
	if q.Topic == "" {
		return q, invalid("topic", "must not be empty")
	}
	subs := q.Subtopics[:0:0]
	for _, s := range q.Subtopics {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
	}
	q.Subtopics = subs
	if q.DepthLevel == 0 {
		q.DepthLevel = DefaultDepthLevel
	}
	if q.DepthLevel < MinDepthLevel || q.DepthLevel > MaxDepthLevel {
		return q, invalid("depth_level", "must be between %d and %d", MinDepthLevel, MaxDepthLevel)
	}
	q.Requirements = strings.TrimSpace(q.Requirements)
	return q, nil
}

type Plan struct {
	MainTopic          string   `json:"main_topic"`
	Subtopics          []string `json:"subtopics"`
	SearchQueries      []string `json:"search_queries"`
	RequiredDataPoints []string `json:"required_data_points,omitempty"`
}

func (p *Plan) Validate() error {
	if strings.TrimSpace(p.MainTopic) == "" {
		return invalid("plan.main_topic", "must not be empty")
	}
	return nil
}

// Source is one piece of gathered evidence. Query records which search
// produced it.
type Source struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url,omitempty"`
	Content     string  `json:"content"`
	Query       string  `json:"query,omitempty"`
	Relevance   float64 `json:"relevance,omitempty"`
	Credibility float64 `json:"credibility,omitempty"`
}

// Sources is the append-only raw_search_results sequence.
type Sources []Source

func (s Sources) Validate() error {
	for i, src := range s {
		if src.ID == "" {
			return invalid("raw_search_results", "source %d has no id", i)
		}
	}
	return nil
}

// DistinctQueries counts the distinct search queries that produced sources.
func (s Sources) DistinctQueries() int {
	seen := make(map[string]struct{}, len(s))
	for _, src := range s {
		if src.Query == "" {
			continue
		}
		seen[src.Query] = struct{}{}
	}
	return len(seen)
}

type Section struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Report is the structured draft. It is replaced wholesale on revision.
type Report struct {
	Title      string            `json:"title"`
	Abstract   string            `json:"abstract,omitempty"`
	Sections   []Section         `json:"sections"`
	Conclusion string            `json:"conclusion,omitempty"`
	References []string          `json:"references,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (r *Report) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return invalid("report.title", "must not be empty")
	}
	for i, sec := range r.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			return invalid("report.sections", "section %d has no title", i)
		}
	}
	return nil
}

// Text flattens the report into plain text.
func (r *Report) Text() string {
	var b strings.Builder
	b.WriteString(r.Title)
	b.WriteString("\n")
	b.WriteString(r.Abstract)
	for _, s := range r.Sections {
		b.WriteString("\n")
		b.WriteString(s.Title)
		b.WriteString("\n")
		b.WriteString(s.Content)
	}
	b.WriteString("\n")
	b.WriteString(r.Conclusion)
	return b.String()
}

// Feedback is one critique round.
type Feedback struct {
	Score       float64  `json:"score"`
	Round       int      `json:"round"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
	Missing     []string `json:"missing_information,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Decision    string   `json:"decision,omitempty"`
}

func (f *Feedback) Validate() error {
	if f.Score < 0 || f.Score > 10 {
		return invalid("feedback.score", "must be between 0 and 10")
	}
	switch f.Decision {
	case "", DecisionApprove, DecisionRevise:
	default:
		return invalid("feedback.decision", "unknown decision %q", f.Decision)
	}
	return nil
}

// Passed applies the critique rule: an explicit decision wins, otherwise the
// score is compared against threshold.
func (f *Feedback) Passed(threshold float64) bool {
	switch f.Decision {
	case DecisionApprove:
		return true
	case DecisionRevise:
		return false
	}
	return f.Score >= threshold
}

// FeedbackHistory is the append-only feedback_history sequence.
type FeedbackHistory []Feedback

func (h FeedbackHistory) Validate() error {
	for i := range h {
		if err := h[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Task is a research request and its accumulated state.
type Task struct {
	ID              string          `json:"id"`
	Query           Query           `json:"query"`
	Status          Status          `json:"status"`
	Plan            *Plan           `json:"plan,omitempty"`
	Sources         Sources         `json:"raw_search_results"`
	Report          *Report         `json:"current_report,omitempty"`
	Feedback        FeedbackHistory `json:"feedback_history"`
	RevisionCount   int             `json:"revision_count"`
	MaxRevisions    int             `json:"max_revisions"`
	CancelRequested bool            `json:"cancel_requested"`
	Reason          string          `json:"reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Memory is the read-only view handed to adapters.
type Memory struct {
	TaskID        string
	Query         Query
	Plan          *Plan
	Sources       Sources
	Report        *Report
	Feedback      FeedbackHistory
	RevisionCount int
	MaxRevisions  int
}

func (t *Task) Memory() Memory {
	m := Memory{
		TaskID:        t.ID,
		Query:         t.Query,
		Sources:       append(Sources(nil), t.Sources...),
		Feedback:      append(FeedbackHistory(nil), t.Feedback...),
		RevisionCount: t.RevisionCount,
		MaxRevisions:  t.MaxRevisions,
	}
	if t.Plan != nil {
		p := *t.Plan
		m.Plan = &p
	}
	if t.Report != nil {
		r := *t.Report
		m.Report = &r
	}
	return m
}

// LatestFeedback returns the most recent critique, or nil.
func (m Memory) LatestFeedback() *Feedback {
	if len(m.Feedback) == 0 {
		return nil
	}
	f := m.Feedback[len(m.Feedback)-1]
	return &f
}

// Mutation is the set of field changes applied by a single transition.
type Mutation struct {
	To                Status
	Plan              *Plan
	AppendSources     []Source
	Report            *Report
	AppendFeedback    *Feedback
	IncrementRevision bool
	Reason            string
}

// Apply returns a copy of t with m applied. It enforces the lifecycle graph
// and the revision bound but not the expected-status check, which belongs to
// the store.
func (t Task) Apply(m Mutation, now time.Time) (Task, error) {
	if !CanTransition(t.Status, m.To) {
		return t, ErrIllegalTransition
	}
	t.Status = m.To
	if m.Plan != nil {
		t.Plan = m.Plan
	}
	if len(m.AppendSources) > 0 {
		t.Sources = append(append(Sources(nil), t.Sources...), m.AppendSources...)
	}
	if m.Report != nil {
		t.Report = m.Report
	}
	if m.AppendFeedback != nil {
		t.Feedback = append(append(FeedbackHistory(nil), t.Feedback...), *m.AppendFeedback)
	}
	if m.IncrementRevision {
		if t.RevisionCount >= t.MaxRevisions {
			return t, ErrRevisionLimit
		}
		t.RevisionCount++
	}
	if m.Reason != "" {
		t.Reason = m.Reason
	}
	t.UpdatedAt = now
	if m.To.Terminal() && t.CompletedAt == nil {
		c := now
		t.CompletedAt = &c
	}
	return t, nil
}

// LogEntry is one append-only audit record. Seq orders entries in write order.
type LogEntry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	TaskID    string         `json:"task_id"`
	AgentType string         `json:"agent_type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
