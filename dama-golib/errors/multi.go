package errors

import "strings"

// Errors is a non-empty list of errors. Functions returning Errors return nil
// when nothing failed, so callers compare against nil as with a plain error.
type Errors interface {
	error
	// Slice returns a copy of the collected errors.
	Slice() []error
	// Len is at least 1.
	Len() int
	// Unwrap lets Is and As look through every collected error.
	Unwrap() []error
}

// list implements Errors. Lists are never appended to in place, so two lists
// never share a backing array.
type list []error

func (l list) Slice() []error  { return append([]error(nil), l...) }
func (l list) Len() int        { return len(l) }
func (l list) Unwrap() []error { return l.Slice() }

func (l list) Error() string {
	msgs := make([]string, len(l))
	for i, err := range l {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// flatten expands err into its collected errors if it is an Errors.
func flatten(err error) []error {
	if errs, ok := err.(Errors); ok {
		return errs.Slice()
	}
	return []error{err}
}

// Append returns errs followed by err. A nil err leaves errs unchanged; an
// Errors err contributes each of its errors.
func Append(errs Errors, err error) Errors {
	if err == nil {
		return errs
	}
	var out list
	if errs != nil {
		out = append(out, errs.Slice()...)
	}
	return append(out, flatten(err)...)
}

// Combine returns an error holding both e and f, or whichever is non-nil.
func Combine(e, f error) error {
	switch {
	case e == nil:
		return f
	case f == nil:
		return e
	}
	return append(list(flatten(e)), flatten(f)...)
}

// Defer combines the error of a deferred call such as Close into *err.
func Defer(err *error, f func() error) {
	*err = Combine(*err, f())
}
