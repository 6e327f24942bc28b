package config

import "fmt"

// Error reports a configuration that cannot be run. It is fatal: nothing is
// built from a config that fails validation.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}
