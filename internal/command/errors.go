package command

import (
	"fmt"

	"github.com/HsiangNianian/AMonItor/bridge/internal/protocol"
)

// ValidationError means the command input was missing or malformed. It is
// reported as a rejected result.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Code: protocol.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// ExecutionError means the automation engine refused or failed the action. It
// is reported as a failed result with RPA_EXEC_ERROR.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func failedf(format string, args ...any) error {
	return &ExecutionError{Message: fmt.Sprintf(format, args...)}
}

// responseError turns an unsuccessful engine response into an ExecutionError,
// falling back to what when the engine gave no message.
func responseError(message, what string) error {
	if message == "" {
		message = what
	}
	return &ExecutionError{Message: message}
}
