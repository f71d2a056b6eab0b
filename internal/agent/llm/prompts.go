package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/throw-if-null/deepresearch/internal/task"
)

const plannerSystem = `You are a research planner. Break the user's topic into a research plan.
Reply with a JSON object: {"main_topic": string, "subtopics": [string], "search_queries": [string], "required_data_points": [string]}.
Use between 3 and 6 short search queries suitable for an encyclopedia search.`

const drafterSystem = `You are a research writer. Write a structured report using only the supplied sources.
Reply with a JSON object: {"title": string, "abstract": string, "sections": [{"title": string, "content": string, "source_ids": [string]}], "conclusion": string, "references": [string]}.
Cite sources by id in source_ids and list their URLs in references.`

const criticSystem = `You are a strict research reviewer. Score the draft from 0 to 10 against the topic, plan and sources.
Reply with a JSON object: {"score": number, "strengths": [string], "weaknesses": [string], "missing_information": [string], "suggestions": [string], "decision": "approve" | "revise"}.`

const reviserSystem = `You are a research editor. Rewrite the draft so it addresses every point of the latest critique.
Keep what the critique lists as strengths. Reply with the full revised report as a JSON object with the same shape as the draft:
{"title": string, "abstract": string, "sections": [{"title": string, "content": string, "source_ids": [string]}], "conclusion": string, "references": [string]}.`

func queryBlock(q task.Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", q.Topic)
	if len(q.Subtopics) > 0 {
		fmt.Fprintf(&b, "Subtopics: %s\n", strings.Join(q.Subtopics, "; "))
	}
	fmt.Fprintf(&b, "Depth level (1-5): %d\n", q.DepthLevel)
	if q.Requirements != "" {
		fmt.Fprintf(&b, "Requirements: %s\n", q.Requirements)
	}
	return b.String()
}

func sourcesBlock(sources []task.Source) string {
	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "[%s] %s (%s)\n%s\n\n", s.ID, s.Title, s.URL, s.Content)
	}
	return b.String()
}

func jsonBlock(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func plannerPrompt(mem task.Memory) string {
	return queryBlock(mem.Query)
}

func drafterPrompt(mem task.Memory, sources []task.Source) string {
	var b strings.Builder
	b.WriteString(queryBlock(mem.Query))
	if mem.Plan != nil {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", jsonBlock(mem.Plan))
	}
	fmt.Fprintf(&b, "\nSources:\n%s", sourcesBlock(sources))
	return b.String()
}

func criticPrompt(mem task.Memory) string {
	var b strings.Builder
	b.WriteString(queryBlock(mem.Query))
	if mem.Plan != nil {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", jsonBlock(mem.Plan))
	}
	fmt.Fprintf(&b, "\nSources:\n%s", sourcesBlock(mem.Sources))
	fmt.Fprintf(&b, "\nDraft:\n%s\n", jsonBlock(mem.Report))
	if prev := mem.LatestFeedback(); prev != nil {
		fmt.Fprintf(&b, "\nPrevious critique (round %d):\n%s\n", prev.Round, jsonBlock(prev))
	}
	return b.String()
}

func reviserPrompt(mem task.Memory) string {
	var b strings.Builder
	b.WriteString(queryBlock(mem.Query))
	fmt.Fprintf(&b, "\nSources:\n%s", sourcesBlock(mem.Sources))
	fmt.Fprintf(&b, "\nDraft:\n%s\n", jsonBlock(mem.Report))
	if fb := mem.LatestFeedback(); fb != nil {
		fmt.Fprintf(&b, "\nCritique:\n%s\n", jsonBlock(fb))
	}
	return b.String()
}
