package testing

import "strings"

// MultiError aggregates the failures of several checks.
type MultiError []error

func (m MultiError) Error() string {
	msgs := make([]string, 0, len(m))
	for _, err := range m {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return strings.Join(msgs, "\n")
}

// Unwrap exposes the aggregated errors to errors.Is and errors.As.
func (m MultiError) Unwrap() []error {
	return m
}

// AppendErr appends err to MultiError if err is not nil.
func AppendErr(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
