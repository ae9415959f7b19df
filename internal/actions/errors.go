package actions

import "fmt"

// UnknownActionError is returned when a requested identifier matches no
// live action, alias, variant, or fallback entry. The agent treats it as
// a run-level failure rather than something the model can recover from.
type UnknownActionError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}
