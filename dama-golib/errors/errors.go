package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Errorf is re-exported from fmt
var Errorf = fmt.Errorf

// New is an alias to Errorf
var New = Errorf

// Is is re-exported from the standard errors package
var Is = stderrors.Is

// As is re-exported from the standard errors package
var As = stderrors.As

// ErrorfWithStack is Errorf re-exported from github.com/pkg/errors
var ErrorfWithStack = errors.Errorf

// WrapfOrNil is WithMessagef re-exported from github.com/pkg/errors
func WrapfOrNil(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessage(err, fmt.Sprintf(format, args...))
}

// Wrapf is WrapfOrNil if err != nil, and Errorf otherwise: it never returns nil
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return Errorf(format, args...)
	}
	return WrapfOrNil(err, format, args...)
}

// WrapfWithStack is Wrapf re-exported from github.com/pkg/errors
var WrapfWithStack = errors.Wrapf

// WithStack is re-exported from github.com/pkg/errors
var WithStack = errors.WithStack

// Cause is re-exported from github.com/pkg/errors
var Cause = errors.Cause

// fatal marks an error that must stop the whole training run: the state it
// leaves behind (gradients, running statistics, a half-finished collective)
// cannot be trusted by any later step.
type fatal struct {
	err error
}

func (f fatal) Error() string { return f.err.Error() }
func (f fatal) Unwrap() error { return f.err }

// Fatal marks err as fatal, attaching a stack trace. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return err
	}
	return fatal{err: errors.WithStack(err)}
}

// Fatalf is Errorf followed by Fatal.
func Fatalf(format string, args ...interface{}) error {
	return Fatal(Errorf(format, args...))
}

// IsFatal reports whether any error in err's chain was marked with Fatal.
func IsFatal(err error) bool {
	var f fatal
	return As(err, &f)
}
