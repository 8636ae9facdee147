package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
		active   bool
	}{
		{StatusPending, false, true},
		{StatusQueued, false, true},
		{StatusProcessing, false, true},
		{StatusComplete, true, false},
		{StatusError, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.IsActive(); got != tt.active {
			t.Errorf("Status(%q).IsActive() = %v, want %v", tt.status, got, tt.active)
		}
	}
}

func TestStatusTTL(t *testing.T) {
	t.Parallel()
	want := map[Status]time.Duration{
		StatusPending:    5 * time.Minute,
		StatusQueued:     10 * time.Minute,
		StatusProcessing: 10 * time.Minute,
		StatusComplete:   60 * time.Minute,
		StatusError:      30 * time.Minute,
	}
	for s, ttl := range want {
		if got := s.TTL(); got != ttl {
			t.Errorf("Status(%q).TTL() = %v, want %v", s, got, ttl)
		}
	}
}

func TestValidID(t *testing.T) {
	t.Parallel()
	for i := 0; i < 5; i++ {
		if id := NewID(); !ValidID(id) {
			t.Errorf("NewID() = %q is not valid", id)
		}
	}
	for _, bad := range []string{"", "job_", "job-123", "job_12 3", "abc_123", "job_abc;drop"} {
		if ValidID(bad) {
			t.Errorf("ValidID(%q) = true, want false", bad)
		}
	}
	if !ValidID("JOB_ABC123") {
		t.Error("ValidID should be case-insensitive")
	}
}

func TestUnmarshal_Strict(t *testing.T) {
	t.Parallel()
	if _, err := Unmarshal([]byte(`{"jobId":"job_1","status":"pending","extra":1}`)); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := Unmarshal([]byte(`{"jobId":"job_1","status":"weird"}`)); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	j, err := Unmarshal([]byte(`{"jobId":"job_1","status":"queued","blobUrls":["u"],"fileCount":1}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if j.Status != StatusQueued || len(j.BlobURLs) != 1 {
		t.Errorf("got %+v", j)
	}
}

func TestSanitize(t *testing.T) {
	t.Parallel()
	m := Metadata{Email: "  John@Example.COM ", Name: "John\x00 Doe\n", BusinessAgeMonths: -4}
	m.Sanitize()
	if m.Email != "john@example.com" {
		t.Errorf("Email = %q", m.Email)
	}
	if m.Name != "John Doe" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.BusinessAgeMonths != 0 {
		t.Errorf("BusinessAgeMonths = %d", m.BusinessAgeMonths)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code Code
		msg  string
	}{
		{"coded", Fail(CodePDFTooSmall, nil), CodePDFTooSmall, CodePDFTooSmall.Message()},
		{"wrapped coded", fmt.Errorf("phase: %w", Failf(CodeParseFailed, "not a report", nil)), CodeParseFailed, "not a report"},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CodeTimeout, CodeTimeout.Message()},
		{"other", errors.New("boom"), CodeSystemError, CodeSystemError.Message()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.err)
			if got.Code != tt.code || got.Message != tt.msg {
				t.Errorf("Classify() = %+v, want code %s message %q", got, tt.code, tt.msg)
			}
		})
	}
}
