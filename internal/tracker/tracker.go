// Package tracker reads work items from a Jira Cloud site.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/danshapiro/ticketsmith/internal/backoff"
)

// AllItems asks FetchWorkItems for every item in the project.
const AllItems = "ALL"

type WorkItem struct {
	Key         string `json:"key" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

func (w WorkItem) IsEpic() bool { return strings.EqualFold(w.Type, "epic") }

// HTTPError is a non-200 answer from the tracker.
type HTTPError struct {
	StatusCode int
	Details    string
}

func (e *HTTPError) Error() string {
	details := strings.TrimSpace(e.Details)
	if len(details) > 300 {
		details = details[:300] + "..."
	}
	if details == "" {
		return fmt.Sprintf("tracker returned %d", e.StatusCode)
	}
	return fmt.Sprintf("tracker returned %d: %s", e.StatusCode, details)
}

type Config struct {
	BaseURL string
	Email   string
	Token   string
	BoardID int

	// Timeout bounds each HTTP request; 0 means 30s.
	Timeout time.Duration
	// MaxAttempts counts the first request; 0 means 4.
	MaxAttempts int
	Backoff     backoff.Config

	HTTPClient *http.Client
	Logger     *slog.Logger
	Sleep      func(ctx context.Context, d time.Duration) error
}

type Client struct {
	base     *url.URL
	email    string
	token    string
	boardID  int
	http     *http.Client
	retry    backoff.Policy
	logger   *slog.Logger
	validate *validator.Validate
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("tracker: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("tracker: base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("tracker: base URL must be http(s), got %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	attempts := cfg.MaxAttempts
	if attempts == 0 {
		attempts = 4
	}
	bcfg := cfg.Backoff
	if bcfg == (backoff.Config{}) {
		bcfg = backoff.Config{InitialDelayMS: 1000, BackoffFactor: 2, MaxDelayMS: 8000}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		base:     base,
		email:    cfg.Email,
		token:    cfg.Token,
		boardID:  cfg.BoardID,
		http:     hc,
		logger:   logger.With("component", "tracker"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	c.retry = backoff.Policy{
		Config:      bcfg,
		MaxAttempts: attempts,
		Retryable:   isTimeout,
		Sleep:       cfg.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("tracker request timed out, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	return c, nil
}

type issueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	IssueType   struct {
		Name string `json:"name"`
	} `json:"issuetype"`
}

type issue struct {
	Key    string      `json:"key"`
	Fields issueFields `json:"fields"`
}

func (i issue) workItem() WorkItem {
	return WorkItem{
		Key:         i.Key,
		Title:       i.Fields.Summary,
		Description: descriptionText(i.Fields.Description),
		Type:        i.Fields.IssueType.Name,
	}
}

// FetchWorkItem reads one issue. Timeouts are retried with backoff; any
// other failure, including a non-200 status, is returned at once.
func (c *Client) FetchWorkItem(ctx context.Context, key string) (WorkItem, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return WorkItem{}, errors.New("tracker: work item key is required")
	}
	q := url.Values{"fields": {"summary,description,issuetype"}}
	var is issue
	if err := c.getJSON(ctx, "/rest/api/3/issue/"+url.PathEscape(key), q, &is); err != nil {
		return WorkItem{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	if is.Key == "" {
		is.Key = key
	}
	item := is.workItem()
	if err := c.validate.Struct(item); err != nil {
		return WorkItem{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	return item, nil
}

// ListProjectItems lists the board's issues that belong to project. The
// agile endpoint does not filter by project, so keys are matched by prefix.
func (c *Client) ListProjectItems(ctx context.Context, project string, max int) ([]WorkItem, error) {
	if c.boardID <= 0 {
		return nil, errors.New("tracker: board id is required to list project items")
	}
	if max <= 0 {
		max = 100
	}
	q := url.Values{
		"maxResults": {strconv.Itoa(max)},
		"fields":     {"summary,description,issuetype"},
	}
	var page struct {
		Issues []issue `json:"issues"`
	}
	path := fmt.Sprintf("/rest/agile/1.0/board/%d/issue", c.boardID)
	if err := c.getJSON(ctx, path, q, &page); err != nil {
		return nil, fmt.Errorf("list %s: %w", project, err)
	}
	prefix := strings.ToUpper(strings.TrimSpace(project)) + "-"
	var out []WorkItem
	for _, is := range page.Issues {
		if !strings.HasPrefix(strings.ToUpper(is.Key), prefix) {
			continue
		}
		out = append(out, is.workItem())
	}
	return out, nil
}

// FetchWorkItems resolves a comma separated list of keys, or AllItems.
func (c *Client) FetchWorkItems(ctx context.Context, project, keys string) ([]WorkItem, error) {
	if strings.EqualFold(strings.TrimSpace(keys), AllItems) {
		items, err := c.ListProjectItems(ctx, project, 0)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("tracker: no items found for project %s", project)
		}
		return items, nil
	}
	var out []WorkItem
	for _, k := range strings.Split(keys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		item, err := c.FetchWorkItem(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, errors.New("tracker: no work item keys given")
	}
	return out, nil
}

// Ping checks credentials against the current-user endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var me map[string]any
	return c.getJSON(ctx, "/rest/api/3/myself", nil, &me)
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return backoff.Do(ctx, c.retry, path, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if c.email != "" || c.token != "" {
			req.SetBasicAuth(c.email, c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &HTTPError{StatusCode: resp.StatusCode, Details: string(body)}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
