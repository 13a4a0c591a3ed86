package filter

import (
	"fmt"

	"github.com/migadu/mailflow/server"
)

// ProcessError is returned when a message could not be indexed or stored.
// Filters holds the trail collected up to the failure.
type ProcessError struct {
	Err     error
	Filters []server.FilterResult
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("process message: %v", e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
