package ferrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeDownloadFailed, cause, "fetching archive")

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if got := CodeOf(err); got != CodeDownloadFailed {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeDownloadFailed)
	}
	if !Is(err, CodeDownloadFailed) {
		t.Fatalf("Is() = false, want true")
	}
	if Is(err, CodeValidation) {
		t.Fatalf("Is() = true for wrong code, want false")
	}
}

func TestWithDetailsDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeBuildFailed, "subprocess exited nonzero")
	withDetails := base.WithDetails(map[string]any{"exit_code": 1})

	if base.Details != nil {
		t.Fatalf("WithDetails mutated the receiver")
	}
	if withDetails.Details["exit_code"] != 1 {
		t.Fatalf("expected exit_code detail to be set")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(CodeSecurity, fmt.Errorf("path escape"), "extracting archive")
	msg := err.Error()
	if !strings.Contains(msg, "path escape") {
		t.Fatalf("expected error string %q to include the cause", msg)
	}
}

func TestCodeOfNonFerror(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain error) = %q, want empty", got)
	}
}
