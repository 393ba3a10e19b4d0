package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError carries a reason code alongside the failure it explains.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with reason. The innermost reason wins, so a CMS failure
// surfacing through the transfer path keeps its cms_* code.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if _, ok := reasoned(err); ok {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Errorf formats an error and tags it with reason in one step.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the code attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	if re, ok := reasoned(err); ok {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// ReasonAttr is the reason_code log attribute for err.
func ReasonAttr(err error) slog.Attr {
	return slog.String("reason_code", string(Reason(err)))
}

func reasoned(err error) (ReasonedError, bool) {
	var re ReasonedError
	if err == nil || !errors.As(err, &re) {
		return ReasonedError{}, false
	}
	return re, true
}
