package logger_test

import (
	"strings"
	"testing"

	"github.com/ptesarik/drgn-go/logger"
)

func TestTailReturnsMostRecentLines(t *testing.T) {
	logger.Logf("test", "first")
	logger.Logf("test", "second")
	logger.Logf("test", "third")

	var b strings.Builder
	logger.Tail(&b, 2)

	out := b.String()
	if !strings.Contains(out, "second") || !strings.Contains(out, "third") {
		t.Fatalf("expected last two lines, got %q", out)
	}
	if strings.Contains(out, "first") && strings.Count(out, "\n") > 2 {
		t.Fatalf("tail returned more than requested: %q", out)
	}
}

func TestComponentTagIsPrefixed(t *testing.T) {
	logger.Logf("frame", "cie parsed")

	var b strings.Builder
	logger.Tail(&b, 1)
	if !strings.HasPrefix(b.String(), "frame: ") {
		t.Fatalf("expected component prefix, got %q", b.String())
	}
}
