package autodiff

import "fmt"

// NumericalError reports a computation whose result cannot be trusted:
// a singular or ill-conditioned system, or a non-finite value.
type NumericalError struct {
	Op        string
	Condition float64
	Reason    string
	Err       error
}

func (e *NumericalError) Error() string {
	msg := fmt.Sprintf("numerical error in %s: %s", e.Op, e.Reason)
	if e.Condition > 0 {
		msg += fmt.Sprintf(" (condition %.3g)", e.Condition)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NumericalError) Unwrap() error { return e.Err }
