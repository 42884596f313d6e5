package sandbox

import (
	"fmt"
	"time"
)

// SyntaxError reports a script that failed to parse or resolve, with the
// position preserved for the error surface.
type SyntaxError struct {
	Line int32
	Col  int32
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("script syntax error at %d:%d: %s", e.Line, e.Col, e.Msg)
}

// TimeoutError reports a script cancelled by the wall-clock cap.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script exceeded execution limit of %s", e.Limit)
}

// ExecError reports a runtime failure inside the script.
type ExecError struct {
	Msg       string
	Backtrace string
}

func (e *ExecError) Error() string {
	return "script execution failed: " + e.Msg
}
