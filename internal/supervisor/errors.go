package supervisor

import "fmt"

// ErrorKind classifies a process lifecycle failure. All of these are fatal
// to the current process generation; recovery requires a fresh Start.
type ErrorKind string

const (
	KindExecutableNotFound ErrorKind = "executable_not_found"
	KindSpawnFailed        ErrorKind = "spawn_failed"
	KindStartupTimeout     ErrorKind = "startup_timeout"
	KindUnexpectedExit     ErrorKind = "unexpected_exit"
)

// ProcessError is a classified supervisor failure.
type ProcessError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("supervisor: %s: %v", e.Kind, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
