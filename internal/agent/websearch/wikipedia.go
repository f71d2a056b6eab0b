// Package websearch gathers evidence for a research plan.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/task"
)

const (
	DefaultEndpoint  = "https://en.wikipedia.org/w/api.php"
	DefaultUserAgent = "deepresearch/0.1 (https://github.com/throw-if-null/deepresearch)"
	articleBase      = "https://en.wikipedia.org/wiki/"
)

type WikipediaConfig struct {
	Endpoint   string
	UserAgent  string
	MaxResults int
	HTTPClient *http.Client
}

// Wikipedia searches the MediaWiki full-text search API.
type Wikipedia struct {
	endpoint   string
	userAgent  string
	maxResults int
	client     *http.Client
}

func NewWikipedia(cfg WikipediaConfig) *Wikipedia {
	w := &Wikipedia{
		endpoint:   cfg.Endpoint,
		userAgent:  cfg.UserAgent,
		maxResults: cfg.MaxResults,
		client:     cfg.HTTPClient,
	}
	if w.endpoint == "" {
		w.endpoint = DefaultEndpoint
	}
	if w.userAgent == "" {
		w.userAgent = DefaultUserAgent
	}
	if w.maxResults <= 0 {
		w.maxResults = 3
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 30 * time.Second}
	}
	return w
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title   string `json:"title"`
			PageID  int64  `json:"pageid"`
			Snippet string `json:"snippet"`
		} `json:"search"`
	} `json:"query"`
}

func (w *Wikipedia) Search(ctx context.Context, query string) ([]task.Source, error) {
	params := url.Values{
		"action":        {"query"},
		"list":          {"search"},
		"srsearch":      {query},
		"srlimit":       {strconv.Itoa(w.maxResults)},
		"format":        {"json"},
		"utf8":          {"1"},
		"formatversion": {"2"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, agent.Fatal("wikipedia", err)
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, agent.Transient("wikipedia", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, agent.HTTPStatus("wikipedia", resp.StatusCode, fmt.Errorf("search %q: %s: %s", query, resp.Status, strings.TrimSpace(string(body))))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, agent.Fatal("wikipedia", fmt.Errorf("decode search response: %w", err))
	}

	out := make([]task.Source, 0, len(sr.Query.Search))
	for _, hit := range sr.Query.Search {
		out = append(out, task.Source{
			ID:          uuid.NewString(),
			Title:       hit.Title,
			URL:         articleBase + url.PathEscape(strings.ReplaceAll(hit.Title, " ", "_")),
			Content:     htmlText(hit.Snippet),
			Query:       query,
			Credibility: 0.8,
		})
	}
	return out, nil
}

// htmlText returns the text content of an HTML fragment.
func htmlText(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
