package model

import "fmt"

// ShapeError reports tensors whose shapes do not fit the configured model.
// Task is -1 when the error is not tied to a single task.
type ShapeError struct {
	Task   int
	Field  string
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Task < 0 || e.Field == "batch" {
		return fmt.Sprintf("shape mismatch in %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("shape mismatch in task %d %s set: %s", e.Task, e.Field, e.Reason)
}
