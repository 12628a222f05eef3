package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewUsesRegisteredDefaults(t *testing.T) {
	err := New(CodeLockTimeout, "")
	if !strings.Contains(err.Error(), "LOCK_TIMEOUT") {
		t.Fatalf("expected code in message, got %q", err.Error())
	}
	if !err.Retryable() {
		t.Fatal("expected lock timeout to default to retryable")
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("expected warning severity, got %s", err.Severity())
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeLockTimeout, "custom",
		WithRetryable(false),
		WithSeverity(SeverityCritical),
		WithMetadata("worker_id", "worker-1"),
	)
	if err.Retryable() {
		t.Fatal("expected retryable override")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("expected severity override, got %s", err.Severity())
	}
	if err.Metadata()["worker_id"] != "worker-1" {
		t.Fatalf("expected metadata, got %+v", err.Metadata())
	}
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "persist snapshot")

	if !stdErrors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected cause in message, got %q", err.Error())
	}
	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNoTaskAvailable, "no pending task available")
	wrapped := fmt.Errorf("claim: %w", New(CodeNoTaskAvailable, "nothing to do"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatal("expected errors with the same code to match")
	}
	other := New(CodeTaskNotFound, "")
	if stdErrors.Is(wrapped, other) {
		t.Fatal("expected different codes not to match")
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("expected plain errors to map to UNKNOWN")
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatal("expected plain errors to be non-retryable")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatal("expected nil to map to UNKNOWN")
	}
}

func TestShouldAlert(t *testing.T) {
	if !ShouldAlert(New(CodeCorruptState, "")) {
		t.Fatal("expected corrupt state to alert")
	}
	if ShouldAlert(New(CodeNoTaskAvailable, "")) {
		t.Fatal("expected empty queue signal not to alert")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_ONLY"
	Register(code, Attributes{
		Message:   "test only",
		Severity:  SeverityInfo,
		Retryable: true,
	})

	err := New(code, "")
	if err.Error() != "[TEST_ONLY] test only" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if !err.Retryable() {
		t.Fatal("expected registered attribute to apply")
	}
}
