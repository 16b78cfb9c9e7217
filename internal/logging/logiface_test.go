package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/stumpy"
)

func TestStumpyLoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewStumpyLogger(stumpy.WithWriter(&buf), stumpy.WithTimeField(``))

	NewEntry(l, LevelInfo, "handshake").
		Node("replica-2").
		AtVLSN(100).
		Field("protocol", 3).
		Emit("negotiated version")

	out := buf.String()
	for _, want := range []string{`"component":"handshake"`, `"node":"replica-2"`, `"vlsn":"100"`, `"msg":"negotiated version"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestStumpyLoggerIsEnabledReflectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewStumpyLogger(stumpy.WithWriter(&buf))
	if !l.IsEnabled(LevelError) {
		t.Fatalf("expected error level enabled by default")
	}
}
