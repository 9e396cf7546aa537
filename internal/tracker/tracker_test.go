package tracker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const issueJSON = `{
	"key": "CAL-7",
	"fields": {
		"summary": "Add memory buttons",
		"issuetype": {"name": "Story"},
		"description": {
			"type": "doc",
			"version": 1,
			"content": [
				{"type": "paragraph", "content": [{"type": "text", "text": "Support M+ and MR."}]},
				{"type": "bulletList", "content": [
					{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "store"}]}]},
					{"type": "listItem", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "recall"}]}]}
				]}
			]
		}
	}
}`

type sleepRecorder struct{ delays []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, rec *sleepRecorder) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Email:   "dev@example.com",
		Token:   "tok",
		BoardID: 34,
		Sleep:   rec.sleep,
	})
	require.NoError(t, err)
	return c
}

func TestFetchWorkItem(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/3/issue/CAL-7", r.URL.Path)
		assert.Equal(t, "summary,description,issuetype", r.URL.Query().Get("fields"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "dev@example.com", user)
		assert.Equal(t, "tok", pass)
		_, _ = io.WriteString(w, issueJSON)
	}, &sleepRecorder{})

	item, err := c.FetchWorkItem(context.Background(), "CAL-7")
	require.NoError(t, err)
	require.Equal(t, WorkItem{
		Key:         "CAL-7",
		Title:       "Add memory buttons",
		Description: "Support M+ and MR.\n- store\n- recall",
		Type:        "Story",
	}, item)
	require.False(t, item.IsEpic())
}

func TestFetchWorkItem_NonOKIsHTTPError(t *testing.T) {
	rec := &sleepRecorder{}
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errorMessages":["Issue does not exist"]}`)
	}, rec)

	_, err := c.FetchWorkItem(context.Background(), "CAL-404")
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	require.Equal(t, http.StatusNotFound, he.StatusCode)
	require.Contains(t, he.Details, "Issue does not exist")
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, rec.delays)
}

func TestFetchWorkItem_RetriesTimeouts(t *testing.T) {
	rec := &sleepRecorder{}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			time.Sleep(200 * time.Millisecond)
			return
		}
		_, _ = io.WriteString(w, issueJSON)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Timeout: 50 * time.Millisecond},
		Sleep:      rec.sleep,
	})
	require.NoError(t, err)

	item, err := c.FetchWorkItem(context.Background(), "CAL-7")
	require.NoError(t, err)
	require.Equal(t, "CAL-7", item.Key)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestFetchWorkItem_TimeoutsExhausted(t *testing.T) {
	rec := &sleepRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Timeout: 20 * time.Millisecond},
		Sleep:      rec.sleep,
	})
	require.NoError(t, err)

	_, err = c.FetchWorkItem(context.Background(), "CAL-7")
	require.Error(t, err)
	require.Len(t, rec.delays, 3)
}

func TestFetchWorkItem_MissingSummaryFailsValidation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"key": "CAL-1", "fields": {"issuetype": {"name": "Task"}}}`)
	}, &sleepRecorder{})

	_, err := c.FetchWorkItem(context.Background(), "CAL-1")
	require.Error(t, err)
}

func TestListProjectItems_FiltersByPrefix(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/agile/1.0/board/34/issue", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("maxResults"))
		_, _ = io.WriteString(w, `{"issues": [
			{"key": "CAL-1", "fields": {"summary": "Calculator", "issuetype": {"name": "Epic"}, "description": "Build a calculator"}},
			{"key": "OPS-2", "fields": {"summary": "Other", "issuetype": {"name": "Task"}}},
			{"key": "CAL-2", "fields": {"summary": "Add", "issuetype": {"name": "Story"}}}
		]}`)
	}, &sleepRecorder{})

	items, err := c.FetchWorkItems(context.Background(), "cal", AllItems)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "CAL-1", items[0].Key)
	require.True(t, items[0].IsEpic())
	require.Equal(t, "Build a calculator", items[0].Description)
	require.Equal(t, "CAL-2", items[1].Key)
}

func TestFetchWorkItems_CommaSeparated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, issueJSON)
	}, &sleepRecorder{})

	items, err := c.FetchWorkItems(context.Background(), "CAL", "CAL-7, CAL-7,")
	require.NoError(t, err)
	require.Len(t, items, 2)

	_, err = c.FetchWorkItems(context.Background(), "CAL", " , ")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/myself" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}, &sleepRecorder{})

	err := c.Ping(context.Background())
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	require.Equal(t, http.StatusUnauthorized, he.StatusCode)
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "ftp://jira"})
	require.Error(t, err)
}

func TestDescriptionText_PlainString(t *testing.T) {
	require.Equal(t, "hello", descriptionText([]byte(`"  hello "`)))
	require.Equal(t, "", descriptionText([]byte(`null`)))
	require.Equal(t, "", descriptionText(nil))
}
