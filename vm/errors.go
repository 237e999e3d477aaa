package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Linkage errors
// ---------------------------------------------------------------------------

// ErrorKind classifies failures raised by the linkage runtime.
type ErrorKind uint8

const (
	KindWrongSignature       ErrorKind = iota + 1 // handle/site signature mismatch
	KindInvalidArgument                           // malformed adapter or factory arguments
	KindNoAccess                                  // member not visible from the lookup context
	KindNoSuchMember                              // member or type does not exist
	KindIllegalState                              // bootstrap registration conflicts
	KindBootstrap                                 // bootstrap resolution or invocation failed
	KindUnsupportedOperation                      // e.g. relinking a constant call site
	KindNullTarget                                // a call site was given no target
	KindClassCast                                 // runtime reference cast failed
	KindNullPointer                               // null where a value was required
)

var kindNames = [...]string{
	KindWrongSignature:       "wrong signature",
	KindInvalidArgument:      "invalid argument",
	KindNoAccess:             "no access",
	KindNoSuchMember:         "no such member",
	KindIllegalState:         "illegal state",
	KindBootstrap:            "bootstrap error",
	KindUnsupportedOperation: "unsupported operation",
	KindNullTarget:           "null target",
	KindClassCast:            "class cast",
	KindNullPointer:          "null pointer",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is the single error type produced by the linkage runtime.
// Op names the operation that failed (e.g. "PermuteArguments").
type Error struct {
	Kind  ErrorKind
	Op    string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.cause == nil
}

// Sentinels for errors.Is.
var (
	ErrWrongSignature       = &Error{Kind: KindWrongSignature}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrNoAccess             = &Error{Kind: KindNoAccess}
	ErrNoSuchMember         = &Error{Kind: KindNoSuchMember}
	ErrIllegalState         = &Error{Kind: KindIllegalState}
	ErrBootstrap            = &Error{Kind: KindBootstrap}
	ErrUnsupportedOperation = &Error{Kind: KindUnsupportedOperation}
	ErrNullTarget           = &Error{Kind: KindNullTarget}
	ErrClassCast            = &Error{Kind: KindClassCast}
	ErrNullPointer          = &Error{Kind: KindNullPointer}
)

func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func wrongSignature(op string, expected, actual *Signature) *Error {
	return newError(KindWrongSignature, op, "expected %s but found %s", expected, actual)
}

func invalidArgument(op, format string, args ...any) *Error {
	return newError(KindInvalidArgument, op, format, args...)
}

// bootstrapError wraps cause into a KindBootstrap error. A cause that is
// already a bootstrap error is returned as is.
func bootstrapError(op string, cause error, format string, args ...any) *Error {
	var be *Error
	if errors.As(cause, &be) && be.Kind == KindBootstrap {
		return be
	}
	e := newError(KindBootstrap, op, format, args...)
	if cause != nil {
		e.cause = errors.WithStack(cause)
	}
	return e
}

// KindOf reports the ErrorKind of err, or 0 if err did not come from the
// linkage runtime.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ---------------------------------------------------------------------------
// Throwable: user-level error values
// ---------------------------------------------------------------------------

// Throwable is an error value raised by handle code. Its class is a
// throwable type in the TypeTable and is what CatchException matches on.
type Throwable struct {
	class   *Type
	Message string
	cause   error
}

// NewThrowable creates a throwable of the given class.
func NewThrowable(class *Type, message string) *Throwable {
	return &Throwable{class: class, Message: message}
}

// WithCause returns a copy of t with the given cause.
func (t *Throwable) WithCause(cause error) *Throwable {
	c := *t
	c.cause = cause
	return &c
}

// Class returns the throwable's class.
func (t *Throwable) Class() *Type { return t.class }

func (t *Throwable) Error() string {
	if t.Message == "" {
		return t.class.Name()
	}
	return t.class.Name() + ": " + t.Message
}

func (t *Throwable) Unwrap() error { return t.cause }
