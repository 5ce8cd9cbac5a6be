package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "pf2e_rules_lookup"}
	want := `tool "pf2e_rules_lookup" is not available`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolUnavailable{ToolName: "combat_analyzer"}
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "combat_analyzer" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "combat_analyzer")
	}
}

func TestErrToolUnavailable_NotMatchOtherErrors(t *testing.T) {
	other := fmt.Errorf("some other error")
	var target *ErrToolUnavailable
	if errors.As(other, &target) {
		t.Error("errors.As should not match non-ErrToolUnavailable error")
	}
}

func TestArgumentError_Unwrap(t *testing.T) {
	inner := errors.New("missing property")
	err := fmt.Errorf("call: %w", &ArgumentError{ToolName: "level_up_advisor", Err: inner})

	var ae *ArgumentError
	if !errors.As(err, &ae) || ae.ToolName != "level_up_advisor" {
		t.Fatalf("errors.As = %v", err)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is did not reach the validation error")
	}
}
