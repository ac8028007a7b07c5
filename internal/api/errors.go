package api

import "errors"

var ErrInvalidRequest = errors.New("invalid_request")

// invalidRequestError names the offending field when there is one.
type invalidRequestError struct {
	field string
	msg   string
}

func (e invalidRequestError) Error() string {
	if e.field == "" {
		return e.msg
	}
	return e.field + ": " + e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

func newInvalidField(field, msg string) error {
	return invalidRequestError{field: field, msg: msg}
}
