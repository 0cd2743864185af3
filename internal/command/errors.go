package command

import "errors"

// ErrValidation marks a bad command or out-of-range parameter: reply
// error, no state change.
var ErrValidation = errors.New("validation")

// ErrRecoverable marks an Amptek ack error (after retries), a missing
// device, or a missing settings file: reply error, continue running.
var ErrRecoverable = errors.New("recoverable")

// ErrReconnect marks a USB transport failure. The coordinator catches
// this, calls reconnect_detectors, and re-arms nominal collection if it
// was running.
var ErrReconnect = errors.New("reconnect")

// Validationf wraps msg as an ErrValidation.
func Validationf(msg string) error { return wrap(ErrValidation, msg) }

// Recoverablef wraps msg as an ErrRecoverable.
func Recoverablef(msg string) error { return wrap(ErrRecoverable, msg) }

// Reconnectf wraps err as an ErrReconnect, so the coordinator's
// errors.Is(err, ErrReconnect) check finds it regardless of how deep it
// is nested.
func Reconnectf(msg string, cause error) error {
	if cause == nil {
		return wrap(ErrReconnect, msg)
	}
	return &wrapped{msg: msg + ": " + cause.Error(), sentinel: ErrReconnect, cause: cause}
}

func wrap(sentinel error, msg string) error {
	return &wrapped{msg: msg, sentinel: sentinel}
}

type wrapped struct {
	msg      string
	sentinel error
	cause    error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error {
	if w.cause != nil {
		return w.cause
	}
	return w.sentinel
}
func (w *wrapped) Is(target error) bool { return target == w.sentinel }
