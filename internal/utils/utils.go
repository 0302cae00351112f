package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (inference worker logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns whatever the process wrote to stderr so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// errorOut is where ShowError writes; tests swap it.
var errorOut io.Writer = os.Stderr

// ShowError prints a formatted error box and dumps worker logs if a SafeCommand is provided.
// It does not exit; callers return the error up to cobra.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(errorOut, "\n---------------------------------------------------------\n")
	fmt.Fprintf(errorOut, "🚨 FACETAG ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(errorOut, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(errorOut, "\nWORKER CRASH LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(errorOut, "---------------------------------------------------------\n")
}

// Die is ShowError followed by exit(1), for failures outside a cobra RunE.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Content Addressing ---

// ImageDigest returns the hex SHA-256 of an image payload. It keys the
// descriptor cache and the recognition history.
func ImageDigest(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortDigest trims a digest for display.
func ShortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
