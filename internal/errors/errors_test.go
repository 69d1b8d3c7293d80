package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestClassDrivesRetryable(t *testing.T) {
	cases := []struct {
		code      Code
		class     Class
		retryable bool
	}{
		{CodeInvalidArgument, ClassValidation, false},
		{CodeConflict, ClassPolicy, false},
		{CodeTimeout, ClassTransient, true},
		{CodeStorageFailure, ClassTransient, true},
		{CodeInitializationFailure, ClassFatal, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if err.Class() != tc.class {
			t.Fatalf("%s: expected class %s, got %s", tc.code, tc.class, err.Class())
		}
		if err.Retryable() != tc.retryable {
			t.Fatalf("%s: expected retryable=%v", tc.code, tc.retryable)
		}
	}
}

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("boom")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeTimeout, cause, "对端超时"))

	if CodeOf(wrapped) != CodeTimeout {
		t.Fatalf("unexpected code %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(wrapped, New(CodeTimeout, "other")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if !RetryableError(wrapped) {
		t.Fatalf("timeout should be retryable")
	}
}

func TestRegisterAndOverride(t *testing.T) {
	const code Code = "TEST_POLICY"
	Register(code, Attributes{Message: "policy", Class: ClassPolicy, Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "policy" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if ClassOf(err) != ClassPolicy {
		t.Fatalf("unexpected class %s", ClassOf(err))
	}
	overridden := New(code, "", WithClass(ClassTransient))
	if !overridden.Retryable() {
		t.Fatalf("class override should make error retryable")
	}
	if ClassOf(stdErrors.New("plain")) != ClassFatal {
		t.Fatalf("plain errors are fatal by default")
	}
}

func TestOverridesAndMetadata(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("disk"), "", WithSeverity(SeverityInfo), WithMetadata("session", "s-1"))
	if err.Message() != "storage failure" {
		t.Fatalf("expected registered message, got %q", err.Message())
	}
	if SeverityOf(err) != SeverityInfo {
		t.Fatalf("severity override ignored: %s", SeverityOf(err))
	}
	meta := err.Metadata()
	meta["session"] = "changed"
	if err.Metadata()["session"] != "s-1" {
		t.Fatalf("metadata should be copied")
	}
	if err.Error() != "[STORAGE_FAILURE] storage failure: disk" {
		t.Fatalf("unexpected text %q", err.Error())
	}
	if CodeOf(nil) != CodeUnknown || ShouldAlert(nil) {
		t.Fatalf("nil error handling changed")
	}
}
