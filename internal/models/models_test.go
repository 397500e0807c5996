package models

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransitionTable(t *testing.T) {
	legal := [][2]MessageStatus{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusExpired},
		{StatusPending, StatusCanceledByUser},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusPending},
		{StatusProcessing, StatusExpired},
		{StatusProcessing, StatusCanceledByUser},
	}
	isLegal := make(map[[2]MessageStatus]bool)
	for _, pair := range legal {
		isLegal[pair] = true
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := isLegal[[2]MessageStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[MessageStatus]bool{
		StatusCompleted:      true,
		StatusFailed:         true,
		StatusExpired:        true,
		StatusCanceledByUser: true,
	}
	for _, s := range AllStatuses {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, s.IsTerminal(), terminal[s])
		}
	}
	if MessageStatus("bogus").IsTerminal() {
		t.Error("unknown status should not be terminal")
	}
}

func TestSourcesOf(t *testing.T) {
	tests := []struct {
		to   MessageStatus
		want []MessageStatus
	}{
		{StatusProcessing, []MessageStatus{StatusPending}},
		{StatusPending, []MessageStatus{StatusProcessing}},
		{StatusCompleted, []MessageStatus{StatusProcessing}},
		{StatusFailed, []MessageStatus{StatusProcessing}},
		{StatusExpired, []MessageStatus{StatusPending, StatusProcessing}},
		{StatusCanceledByUser, []MessageStatus{StatusPending, StatusProcessing}},
	}
	for _, tt := range tests {
		got := SourcesOf(tt.to)
		if len(got) != len(tt.want) {
			t.Errorf("SourcesOf(%s) = %v, want %v", tt.to, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SourcesOf(%s) = %v, want %v", tt.to, got, tt.want)
				break
			}
		}
		for _, from := range got {
			if from.IsTerminal() {
				t.Errorf("SourcesOf(%s) includes terminal status %s", tt.to, from)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("processing"); err != nil || s != StatusProcessing {
		t.Fatalf("ParseStatus(processing) = %q, %v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown status, got %v", err)
	}
}

func TestExpiryReason(t *testing.T) {
	tests := []struct {
		status   MessageStatus
		requeues int
		want     string
	}{
		{StatusPending, 0, ReasonExpiredPendingTimeout},
		{StatusPending, 2, ReasonExpiredAfterPending},
		{StatusProcessing, 0, ReasonExpiredProcessingTimeout},
		{StatusProcessing, 1, ReasonExpiredProcessingTimeout},
	}
	for _, tt := range tests {
		if got := ExpiryReason(tt.status, tt.requeues); got != tt.want {
			t.Errorf("ExpiryReason(%s, %d) = %q, want %q", tt.status, tt.requeues, got, tt.want)
		}
	}
}

func validIngest() IngestRequest {
	return IngestRequest{
		MessageID:   42,
		MessageDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Sender:      Sender{UserID: 7, Username: "@Alice", DisplayName: " Alice "},
		Group:       Group{ID: -100123, Title: "Raiders"},
		Content:     "  LFG mythic+ tonight  ",
	}
}

func TestIngestRequestValidate(t *testing.T) {
	req := validIngest()
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if req.Content != "LFG mythic+ tonight" {
		t.Errorf("content not trimmed: %q", req.Content)
	}
	if req.Sender.Username != "alice" {
		t.Errorf("username not normalized: %q", req.Sender.Username)
	}

	tests := []struct {
		name   string
		mutate func(*IngestRequest)
	}{
		{"zero message id", func(r *IngestRequest) { r.MessageID = 0 }},
		{"negative message id", func(r *IngestRequest) { r.MessageID = -1 }},
		{"missing date", func(r *IngestRequest) { r.MessageDate = time.Time{} }},
		{"missing sender", func(r *IngestRequest) { r.Sender.UserID = 0 }},
		{"missing group", func(r *IngestRequest) { r.Group.ID = 0 }},
		{"blank content", func(r *IngestRequest) { r.Content = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validIngest()
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestOutcomeReportValidate(t *testing.T) {
	ok := OutcomeReport{Outcome: StatusCompleted, IsLFG: true}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid report, got %v", err)
	}
	for _, outcome := range []MessageStatus{"", StatusPending, StatusExpired, "done"} {
		r := OutcomeReport{Outcome: outcome}
		if err := r.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("outcome %q: expected ErrValidation, got %v", outcome, err)
		}
	}
}

func TestCancelRequestValidate(t *testing.T) {
	empty := CancelRequest{}
	if err := empty.Validate(); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
	atOnly := CancelRequest{SenderIdentity: SenderIdentity{Username: "@"}}
	if err := atOnly.Validate(); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity for bare @, got %v", err)
	}
	byName := CancelRequest{SenderIdentity: SenderIdentity{Username: "@Bob"}}
	if err := byName.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if byName.Username != "bob" {
		t.Errorf("username not normalized: %q", byName.Username)
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success(1); r.Status != string(APIStatusOK) || r.Result != 1 {
		t.Errorf("unexpected success response %+v", r)
	}
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("unexpected error response %+v", r)
	}
	if r := Partial("half", "x"); r.Status != string(APIStatusPartial) || r.Result != "x" {
		t.Errorf("unexpected partial response %+v", r)
	}
}
