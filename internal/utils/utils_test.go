package utils

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestImageDigest(t *testing.T) {
	data := []byte("fake image content")

	id := ImageDigest(data)
	if len(id) != 64 {
		t.Fatalf("Expected 64 hex chars, got %d", len(id))
	}

	// Verify Determinism
	if id2 := ImageDigest(data); id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	if id3 := ImageDigest(append(data, " modification"...)); id == id3 {
		t.Error("Hash did not change after content modification")
	}
}

func TestShortDigest(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"0123456789abcdef", "0123456789ab"},
	}
	for _, tt := range tests {
		if got := ShortDigest(tt.in); got != tt.want {
			t.Errorf("ShortDigest(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShowErrorIncludesWorkerLogs(t *testing.T) {
	var buf bytes.Buffer
	old := errorOut
	errorOut = &buf
	defer func() { errorOut = old }()

	s := &SafeCommand{Stderr: bytes.NewBufferString("Traceback: model file missing")}
	ShowError("Worker startup failed", errors.New("exit status 1"), s)

	out := buf.String()
	for _, want := range []string{"Worker startup failed", "exit status 1", "model file missing"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestShowErrorWithoutCommand(t *testing.T) {
	var buf bytes.Buffer
	old := errorOut
	errorOut = &buf
	defer func() { errorOut = old }()

	ShowError("Configuration Error", nil, nil)

	if strings.Contains(buf.String(), "WORKER CRASH LOGS") {
		t.Error("Did not expect a worker log section without a command")
	}
}
