package common

import (
	"errors"
	"strings"
)

func MultiError(errs []error) string {
	if len(errs) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return strings.Join(msgs, "\n")
}

// Errors collects the failures of independent shutdown steps.
type Errors []error

func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// Err keeps the single error intact so errors.Is still works on it.
func (e Errors) Err() error {
	switch len(e) {
	case 0:
		return nil
	case 1:
		return e[0]
	default:
		return errors.New(MultiError(e))
	}
}
