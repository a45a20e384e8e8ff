package errors

import (
	stdErrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	err := Wrap(CodeTransportFailure, io.ErrUnexpectedEOF, "调用失败", WithMetadata(MetaStatus, "502"))
	wrapped := fmt.Errorf("outer: %w", err)

	if CodeOf(wrapped) != CodeTransportFailure {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
	if !stdErrors.Is(wrapped, New(CodeTransportFailure, "")) {
		t.Fatal("errors.Is should match by code")
	}
	if !stdErrors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatal("cause should stay reachable")
	}
	e, _ := From(wrapped)
	if v, ok := e.Lookup(MetaStatus); !ok || v != "502" {
		t.Fatalf("unexpected metadata: %v", e.Metadata())
	}
	if !e.Retryable() || !e.Fatal() {
		t.Fatalf("transport failures are retryable and fatal")
	}
}

func TestParseErrorsAreNotFatal(t *testing.T) {
	for _, code := range []Code{CodeShapeMismatch, CodeJSONCoercion} {
		if New(code, "").Fatal() {
			t.Errorf("%s should not be fatal", code)
		}
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithSeverity(SeverityInfo))
	if RetryableError(err) || SeverityOf(err) != SeverityInfo {
		t.Fatalf("options should override registry defaults: %v %v", RetryableError(err), SeverityOf(err))
	}
	if err.Message() != AttributesOf(CodeStorageFailure).Message {
		t.Fatalf("empty message should fall back to registry message, got %q", err.Message())
	}
}

func TestRegisterAndUnknown(t *testing.T) {
	Register("TEST_CODE", Attributes{Message: "测试", Severity: SeverityInfo})
	if AttributesOf("TEST_CODE").Message != "测试" {
		t.Fatal("registered attributes not found")
	}
	if AttributesOf("NOT_REGISTERED") != AttributesOf(CodeUnknown) {
		t.Fatal("unregistered codes should fall back to UNKNOWN")
	}
	if CodeOf(io.EOF) != CodeUnknown {
		t.Fatal("plain errors map to UNKNOWN")
	}
}
