package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderAPIKey != "X-API-Key" {
		t.Fatalf("HeaderAPIKey = %q", HeaderAPIKey)
	}
	if HeaderPrefer != "Prefer" || PreferRespondAsync != "respond-async" {
		t.Fatalf("prefer constants mismatch")
	}
	if PathHealthz != "/healthz" || PathJobs != "/v1/jobs" {
		t.Fatalf("paths mismatch: %q, %q", PathHealthz, PathJobs)
	}
	if DefaultQueueCapacity <= 0 || DefaultWorkerCount <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if RawSnippetLimit != 500 {
		t.Fatalf("RawSnippetLimit = %d", RawSnippetLimit)
	}
}

func TestCodedError_WrapsAndReportsCode(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	ce := &CodedError{Code: CodeParse, Message: "model output is not valid JSON", Raw: "{\"html\":", Err: cause}
	wrapped := fmt.Errorf("stage draft: %w", ce)

	if got := CodeOf(wrapped); got != CodeParse {
		t.Fatalf("CodeOf = %q", got)
	}
	if got := RawOf(wrapped); got != "{\"html\":" {
		t.Fatalf("RawOf = %q", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("cause should be reachable through Unwrap")
	}
	if !strings.HasPrefix(ce.Error(), "PARSE_ERROR: ") {
		t.Fatalf("Error() should start with the code, got %q", ce.Error())
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestCodedError_IncludesStatus(t *testing.T) {
	ce := &CodedError{Code: CodeGateway, Message: "model endpoint rejected request", StatusCode: 429}
	if !strings.Contains(ce.Error(), "status 429") {
		t.Fatalf("status missing: %q", ce.Error())
	}
}

func TestTruncate_CountsRunes(t *testing.T) {
	in := "朝ヨガ効果"
	if got := Truncate(in, 3); got != "朝ヨガ..." {
		t.Fatalf("Truncate = %q", got)
	}
	if got := Truncate(in, 10); got != in {
		t.Fatalf("short input should be unchanged, got %q", got)
	}
}
