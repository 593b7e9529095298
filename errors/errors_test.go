package errors_test

import (
	"fmt"
	"testing"

	"github.com/ptesarik/drgn-go/errors"
)

func TestKindMatching(t *testing.T) {
	err := errors.NewNotFound("types", "type for die %#x", 0x1234)
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not_found kind, got: %v", err)
	}
	if errors.Is(err, errors.Recursion) {
		t.Fatalf("did not expect recursion kind")
	}
}

func TestWrapPreservesKind(t *testing.T) {
	cause := fmt.Errorf("short read")
	err := errors.Wrap(errors.Overflow, "frame", cause, "code alignment factor overflow")
	if !errors.Is(err, errors.Overflow) {
		t.Fatalf("expected overflow kind, got: %v", err)
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty message")
	}
}

func TestStructuralMessage(t *testing.T) {
	err := errors.NewStructural("buffer", "read past end of section at offset %d", 12)
	want := "buffer: read past end of section at offset 12"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
