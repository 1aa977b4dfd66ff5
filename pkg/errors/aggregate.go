// Package errors groups the errors of a migration run, which keeps working
// when individual engines or secrets fail.
package errors

import "strings"

// Aggregate groups a list of errors together.
type Aggregate struct {
	errlist []error
}

// NewAggregate returns an Aggregate containing the given list of errors, or
// nil when the list is empty.
func NewAggregate(errlist []error) *Aggregate {
	if len(errlist) == 0 {
		return nil
	}
	return &Aggregate{errlist}
}

// Error returns the combined error message for the Aggregate.
func (a *Aggregate) Error() string {
	msg := new(strings.Builder)
	for i, err := range a.errlist {
		if i > 0 {
			msg.WriteString("; ")
		}
		msg.WriteString(err.Error())
	}
	return msg.String()
}

// Unwrap lets errors.Is and errors.As look at every grouped error.
func (a *Aggregate) Unwrap() []error {
	return a.errlist
}
