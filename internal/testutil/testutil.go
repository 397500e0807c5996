// Package testutil provides common test utilities and helpers for LFGQueue tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/queue"
	"github.com/BTreeMap/LFGQueue/internal/store"
)

// BaseTime is the default starting point for FakeClock.
var BaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock stopped at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// NewTestService creates a queue service over an in-memory store driven by
// the returned fake clock.
func NewTestService(t testing.TB, cfg queue.Config) (*queue.Service, store.Store, *FakeClock) {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := NewFakeClock(BaseTime)
	svc := queue.NewService(st, cfg, queue.WithClock(clock.Now))
	t.Cleanup(func() { _ = st.Close() })
	return svc, st, clock
}

// IngestRequest builds a valid ingest request posted at date.
func IngestRequest(messageID, senderID, groupID int64, content string, date time.Time) models.IngestRequest {
	return models.IngestRequest{
		MessageID:   messageID,
		MessageDate: date,
		Sender:      models.Sender{UserID: senderID, Username: "user" + strconv.FormatInt(senderID, 10)},
		Group:       models.Group{ID: groupID, Title: "group"},
		Content:     content,
	}
}

// TestingT is the subset of testing.TB the assertion helpers need.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the envelope, checks its status field and
// returns the raw result for further decoding.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) json.RawMessage {
	t.Helper()
	var response struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response.Result
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		switch b := body.(type) {
		case string:
			reqBody.WriteString(b)
		default:
			reqBody.Write(MustMarshalJSON(t, body))
		}
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Serve runs req against h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
