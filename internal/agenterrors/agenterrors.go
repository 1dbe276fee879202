// Package agenterrors defines the error-kind taxonomy from the orchestration
// design: sentinel values wrapped with context via fmt.Errorf("...: %w", ...)
// so callers can classify a failure with errors.Is without a bespoke
// hierarchy of error types.
package agenterrors

import "errors"

var (
	// ErrConfig marks a missing API key or malformed .agent.env. Fatal for
	// the affected subsystem only.
	ErrConfig = errors.New("config error")

	// ErrPlan marks an LM call that failed or returned invalid JSON. The
	// caller recovers via the fallback heuristic; the returned Plan carries
	// this in its Error field.
	ErrPlan = errors.New("plan error")

	// ErrPathEscape marks a planned path that canonicalizes outside the
	// project root. Fatal for that one operation; other operations continue.
	ErrPathEscape = errors.New("path escapes project root")

	// ErrSpawn marks a subprocess that could not be started.
	ErrSpawn = errors.New("spawn error")

	// ErrCommandFailed marks a subprocess that exited non-zero.
	ErrCommandFailed = errors.New("command failed")

	// ErrPermissionDenied marks a guardrail violation. Never retried silently.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout marks a subprocess that exceeded its wall-clock deadline.
	ErrTimeout = errors.New("timeout")

	// ErrPatchApply marks a patch that failed to apply. Counts as a used
	// heal attempt even though nothing ran.
	ErrPatchApply = errors.New("patch apply error")

	// ErrIO marks a filesystem I/O failure outside the atomic-write path.
	ErrIO = errors.New("io error")

	// ErrHealingExhausted marks a Self-Healing Loop that used every
	// available attempt without success.
	ErrHealingExhausted = errors.New("healing exhausted")

	// ErrNotFound marks a Tool Registry lookup for an unknown name.
	ErrNotFound = errors.New("not found")
)
