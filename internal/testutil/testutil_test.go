package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/LFGQueue/internal/models"
	"github.com/BTreeMap/LFGQueue/internal/queue"
)

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(BaseTime)
	if !c.Now().Equal(BaseTime) {
		t.Fatalf("Expected %v, got %v", BaseTime, c.Now())
	}
	c.Advance(90 * time.Second)
	if want := BaseTime.Add(90 * time.Second); !c.Now().Equal(want) {
		t.Errorf("Expected %v after Advance, got %v", want, c.Now())
	}
	later := time.Date(2027, 1, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	c.Set(later)
	if c.Now().Location() != time.UTC || !c.Now().Equal(later) {
		t.Errorf("Set should store the instant in UTC, got %v", c.Now())
	}
}

func TestNewTestServiceUsesFakeClock(t *testing.T) {
	svc, st, clock := NewTestService(t, queue.DefaultConfig())
	ctx := context.Background()

	m, err := svc.Ingest(ctx, IngestRequest(1, 10, -100, "lfg raid tonight", clock.Now()))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if !m.CreatedAt.Equal(BaseTime) {
		t.Errorf("Expected created_at from fake clock, got %v", m.CreatedAt)
	}
	stored, err := st.GetMessage(ctx, 1)
	if err != nil || stored == nil {
		t.Fatalf("GetMessage = %v, %v", stored, err)
	}
	if stored.Status != models.StatusPending || stored.SenderUsername != "user10" {
		t.Errorf("Unexpected stored message %+v", stored)
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")

			if tt.shouldFail != mockT.failed {
				t.Errorf("shouldFail=%v but failed=%v", tt.shouldFail, mockT.failed)
			}
			if !mockT.helper {
				t.Error("Expected Helper() to be called")
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":{"count":2}}`)
	raw := AssertJSONResponse(t, rr, models.APIStatusOK)

	var result struct {
		Count int `json:"count"`
	}
	MustUnmarshalJSON(t, raw, &result)
	if result.Count != 2 {
		t.Errorf("Expected count 2, got %d", result.Count)
	}

	mockT := &mockTestingT{}
	rr = httptest.NewRecorder()
	rr.WriteString(`{"status":"error","message":"nope"}`)
	AssertJSONResponse(mockT, rr, models.APIStatusOK)
	if !mockT.failed || !strings.Contains(mockT.errorMsg, "nope") {
		t.Errorf("Expected a mismatch failure mentioning the message, got %q", mockT.errorMsg)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/messages/claim", map[string]int{"max_count": 3})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	var body map[string]int
	MustUnmarshalJSON(t, []byte(readAll(t, req)), &body)
	if body["max_count"] != 3 {
		t.Errorf("Unexpected body %v", body)
	}

	raw := CreateHTTPRequest(t, http.MethodPost, "/messages", "{not json")
	if got := readAll(t, raw); got != "{not json" {
		t.Errorf("Expected raw string body, got %q", got)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/stats", nil)
	if empty.Header.Get("Content-Type") != "" {
		t.Error("Expected no content type without a body")
	}
}

func TestServe(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := Serve(h, CreateHTTPRequest(t, http.MethodGet, "/", nil))
	AssertHTTPStatus(t, http.StatusTeapot, rr.Code, "Serve")
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]string{"key": "value"})
	if string(data) != `{"key":"value"}` {
		t.Errorf("Unexpected JSON %s", data)
	}
}

func readAll(t *testing.T, req *http.Request) string {
	t.Helper()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(b)
}

// mockTestingT implements TestingT for testing our test helpers
type mockTestingT struct {
	failed   bool
	errorMsg string
	helper   bool
}

func (m *mockTestingT) Helper() {
	m.helper = true
}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
	panic("test failed") // Simulate fatal error
}
