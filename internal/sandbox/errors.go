package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for sandbox outcomes.
var (
	// ErrLaunch means the container runtime failed to start the sandbox.
	ErrLaunch = errors.New("sandbox failed to launch")
	// ErrTimeout means the wall-clock deadline expired and the sandbox was
	// force-killed.
	ErrTimeout = errors.New("sandbox deadline exceeded")
	// ErrKilled means the attempt was cancelled from outside (forceKill or
	// shutdown). Not retryable.
	ErrKilled = errors.New("sandbox killed externally")
	// ErrArtifactNotFound means the program exited cleanly but produced no
	// output file.
	ErrArtifactNotFound = errors.New("no artifact produced")
)

// ExitKind sub-classifies a non-zero sandbox exit.
type ExitKind string

const (
	ExitPermission ExitKind = "permission"
	ExitEncoding   ExitKind = "encoding"
	ExitResource   ExitKind = "resource"
	ExitProgram    ExitKind = "program"
	ExitUnknown    ExitKind = "unknown"
)

// ExitError is a classified non-zero sandbox exit. Message is the
// human-actionable category summary; Stderr preserves the raw tail verbatim
// for operator diagnosis.
type ExitError struct {
	Kind    ExitKind
	Code    int
	Message string
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("sandbox exited with code %d (%s): %s", e.Code, e.Kind, e.Message)
}
