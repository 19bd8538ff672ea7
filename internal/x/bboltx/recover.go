package bboltx

// failure wraps the error carried by a panic raised via Must(), so that
// Recover() can tell it apart from unrelated panics.
type failure struct {
	cause error
}

// Must panics if err is non-nil. The panic is recoverable via Recover().
func Must(err error) {
	if err != nil {
		panic(failure{err})
	}
}

// Recover recovers from a panic raised via Must(), assigning the original
// error to *err. Unrelated panics propagate.
//
// It is intended to be used in a defer statement at the boundary of a
// transaction.
func Recover(err *error) {
	if err == nil {
		panic("err must be a non-nil pointer")
	}

	switch v := recover().(type) {
	case failure:
		*err = v.cause
	case nil:
	default:
		panic(v)
	}
}
