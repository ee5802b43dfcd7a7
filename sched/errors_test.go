package sched

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestIsFatal_SeesThroughWrapping(t *testing.T) {
	fatal := Fatalf("world start", "world %d never appeared", 12)
	if !IsFatal(fatal) {
		t.Fatal("Fatalf result not recognized as fatal")
	}
	wrapped := fmt.Errorf("running suite: %w", fatal)
	if !IsFatal(wrapped) {
		t.Error("fatal error lost through fmt.Errorf wrapping")
	}
	if IsFatal(errors.New("plain failure")) {
		t.Error("plain error misclassified as fatal")
	}
	if IsFatal(nil) {
		t.Error("nil misclassified as fatal")
	}
}

func TestFatalError_MessageAndUnwrap(t *testing.T) {
	inner := os.ErrPermission
	err := &FatalError{Op: "config min", Err: inner}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("FatalError does not unwrap to its cause")
	}
	if got := err.Error(); got == "" {
		t.Error("empty error message")
	}
}
