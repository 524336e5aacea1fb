package errors

import "errors"

// Sentinels shared by repositories and the HTTP layer.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
)

type wrapped struct {
	message string
	err     error
}

func (w *wrapped) Error() string { return w.message }
func (w *wrapped) Unwrap() error { return w.err }

// Wrap attaches a client-facing message to err. errors.Is still matches the
// wrapped chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrapped{message: message, err: err}
}

// Validation reports a rejected request with message.
func Validation(message string) error {
	return Wrap(ErrValidation, message)
}

// Unavailable reports a backend fault. cause may be nil.
func Unavailable(message string, cause error) error {
	if cause == nil {
		return Wrap(ErrUnavailable, message)
	}
	return Wrap(errors.Join(ErrUnavailable, cause), message)
}
