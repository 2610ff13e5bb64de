package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func withCaptureBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer

	mu.Lock()
	prev := base
	base = zerolog.New(&buf).With().Timestamp().Logger()
	mu.Unlock()

	t.Cleanup(func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	})

	return &buf
}

func TestSetComponentFilter(t *testing.T) {
	buf := withCaptureBuffer(t)
	SetComponentFilter("")

	InfoC("comp1", "msg1")
	if !strings.Contains(buf.String(), "msg1") {
		t.Error("Expected msg1 to be logged")
	}
	buf.Reset()

	SetComponentFilter("comp1")
	InfoC("comp1", "msg2") // Should be logged
	InfoC("comp2", "msg3") // Should NOT be logged

	output := buf.String()
	if !strings.Contains(output, "msg2") {
		t.Error("Expected msg2 to be logged")
	}
	if strings.Contains(output, "msg3") {
		t.Error("Expected msg3 NOT to be logged")
	}
	buf.Reset()

	SetComponentFilter("comp1,comp2")
	InfoC("comp1", "msg4") // Logged
	InfoC("comp2", "msg5") // Logged
	InfoC("comp3", "msg6") // Not logged

	output = buf.String()
	if !strings.Contains(output, "msg4") {
		t.Error("Expected msg4 to be logged")
	}
	if !strings.Contains(output, "msg5") {
		t.Error("Expected msg5 to be logged")
	}
	if strings.Contains(output, "msg6") {
		t.Error("Expected msg6 NOT to be logged")
	}

	SetComponentFilter("")
}

func TestLevelFiltering(t *testing.T) {
	buf := withCaptureBuffer(t)
	SetLevel(WARN)
	t.Cleanup(func() { SetLevel(DEBUG) })

	DebugC("comp", "should not appear")
	WarnC("comp", "should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Error("debug message leaked through WARN level")
	}
	if !strings.Contains(output, "should appear") {
		t.Error("warn message was suppressed")
	}
}
