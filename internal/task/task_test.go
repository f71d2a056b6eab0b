package task

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition_Graph(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusPlanning},
		{StatusPlanning, StatusInProgress},
		{StatusInProgress, StatusReviewing},
		{StatusReviewing, StatusRevising},
		{StatusReviewing, StatusCompleted},
		{StatusRevising, StatusReviewing},
	}
	for _, e := range legal {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s to be legal", e[0], e[1])
		}
	}
	for _, s := range Statuses {
		if s.Terminal() {
			continue
		}
		if !CanTransition(s, StatusFailed) {
			t.Fatalf("expected %s -> failed to be legal", s)
		}
	}

	illegal := [][2]Status{
		{StatusPending, StatusReviewing},
		{StatusPlanning, StatusCompleted},
		{StatusRevising, StatusCompleted},
		{StatusInProgress, StatusRevising},
		{StatusReviewing, StatusReviewing},
	}
	for _, e := range illegal {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s to be illegal", e[0], e[1])
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		for _, to := range Statuses {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("reviewing"); err != nil || s != StatusReviewing {
		t.Fatalf("parse reviewing: %v %v", s, err)
	}
	if _, err := ParseStatus("cancelled"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestQueryNormalize(t *testing.T) {
	q, err := Query{Topic: "  Quantum Computing ", Subtopics: []string{" ", "qubits"}}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if q.Topic != "Quantum Computing" {
		t.Fatalf("topic not trimmed: %q", q.Topic)
	}
	if q.DepthLevel != DefaultDepthLevel {
		t.Fatalf("expected default depth, got %d", q.DepthLevel)
	}
	if len(q.Subtopics) != 1 || q.Subtopics[0] != "qubits" {
		t.Fatalf("unexpected subtopics: %v", q.Subtopics)
	}

	_, err = Query{Topic: "   "}.Normalize()
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "topic" {
		t.Fatalf("expected topic validation error, got %v", err)
	}
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation")
	}

	if _, err := (Query{Topic: "x", DepthLevel: 9}).Normalize(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected depth validation error, got %v", err)
	}
}

func TestFeedbackPassed(t *testing.T) {
	cases := []struct {
		fb   Feedback
		want bool
	}{
		{Feedback{Score: 7}, true},
		{Feedback{Score: 6.5}, true},
		{Feedback{Score: 6.4}, false},
		{Feedback{Score: 9, Decision: DecisionRevise}, false},
		{Feedback{Score: 2, Decision: DecisionApprove}, true},
	}
	for i, c := range cases {
		if got := c.fb.Passed(6.5); got != c.want {
			t.Fatalf("case %d: got %v want %v", i, got, c.want)
		}
	}
}

func TestApply_RevisionBound(t *testing.T) {
	now := time.Now().UTC()
	tk := Task{Status: StatusRevising, RevisionCount: 2, MaxRevisions: 2}
	if _, err := tk.Apply(Mutation{To: StatusReviewing, IncrementRevision: true}, now); !errors.Is(err, ErrRevisionLimit) {
		t.Fatalf("expected ErrRevisionLimit, got %v", err)
	}

	tk.RevisionCount = 1
	next, err := tk.Apply(Mutation{To: StatusReviewing, IncrementRevision: true, Report: &Report{Title: "r2"}}, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.RevisionCount != 2 || next.Report.Title != "r2" {
		t.Fatalf("unexpected result: %+v", next)
	}
	if tk.RevisionCount != 1 {
		t.Fatalf("apply must not mutate receiver")
	}
}

func TestApply_CompletedAtSetOnce(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := Task{Status: StatusReviewing, MaxRevisions: 3}
	done, err := tk.Apply(Mutation{To: StatusCompleted}, t0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(t0) {
		t.Fatalf("completed_at not set: %v", done.CompletedAt)
	}
	if _, err := done.Apply(Mutation{To: StatusFailed}, t0.Add(time.Hour)); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition out of terminal state, got %v", err)
	}
}

func TestApply_AppendsDoNotAlias(t *testing.T) {
	base := Task{Status: StatusInProgress, Sources: Sources{{ID: "a"}}}
	next, err := base.Apply(Mutation{To: StatusReviewing, AppendSources: []Source{{ID: "b"}}}, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(next.Sources) != 2 || len(base.Sources) != 1 {
		t.Fatalf("unexpected sources: base=%d next=%d", len(base.Sources), len(next.Sources))
	}
}

func TestSourcesDistinctQueries(t *testing.T) {
	s := Sources{{ID: "1", Query: "a"}, {ID: "2", Query: "a"}, {ID: "3", Query: "b"}, {ID: "4"}}
	if n := s.DistinctQueries(); n != 2 {
		t.Fatalf("expected 2 distinct queries, got %d", n)
	}
}

func TestEnvelopeRoundTripAndValidation(t *testing.T) {
	b, err := Encode(KindPlan, &Plan{MainTopic: "qc", SearchQueries: []string{"q1"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var p Plan
	if err := Decode(b, KindPlan, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.MainTopic != "qc" {
		t.Fatalf("unexpected plan: %+v", p)
	}

	if err := Decode(b, KindReport, &Report{}); !errors.Is(err, ErrDocument) {
		t.Fatalf("expected kind mismatch error, got %v", err)
	}
	if err := Decode([]byte(`{"v":2,"kind":"plan","data":{}}`), KindPlan, &p); !errors.Is(err, ErrDocument) {
		t.Fatalf("expected version error, got %v", err)
	}
	if _, err := Encode(KindReport, &Report{}); !errors.Is(err, ErrDocument) {
		t.Fatalf("expected validation error for untitled report, got %v", err)
	}
	if _, err := Encode(KindFeedback, FeedbackHistory{{Score: 11}}); !errors.Is(err, ErrDocument) {
		t.Fatalf("expected validation error for out of range score")
	}
}
