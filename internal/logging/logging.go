// Package logging routes every subsystem's diagnostics through one
// process-wide logger, mirrored to stderr and to agent_diagnostics.log
// under the project root.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// Init opens "<root>/agent_diagnostics.log" and makes the standard logger
// write to both stderr and that file. Safe to call once at startup; returns
// the file so the caller can close it on shutdown.
func Init(root string) (*os.File, error) {
	path := filepath.Join(root, "agent_diagnostics.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open diagnostics log: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.SetFlags(log.LstdFlags)
	return f, nil
}

// Diag writes one diagnostics line through the standard logger, which
// prefixes it with a "YYYY/MM/DD HH:MM:SS " timestamp (log.LstdFlags); the
// timestamp is not wrapped in brackets.
func Diag(format string, args ...any) {
	log.Printf(format, args...)
}
