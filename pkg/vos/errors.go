package vos

import (
	"errors"
	"fmt"

	"github.com/cuemby/vos/pkg/btree"
	"github.com/cuemby/vos/pkg/epoch"
	"github.com/cuemby/vos/pkg/index"
	"github.com/cuemby/vos/pkg/pmem"
)

// ErrCode is the closed error-code set callers see: every exported
// operation reports its failure as one of these, so callers can switch
// on the code instead of string-matching wrapped causes.
type ErrCode int

const (
	OK ErrCode = iota
	NoSpace
	NoKey
	NoHdl
	PrecondFail
	Conflict
	Trunc
	InvalArg
	InvalRecsize
	InvalKind
	InvalType
	InvalState
	DFIncompt
	Canceled
	Busy
	Corrupt
	Timeout
)

func (c ErrCode) String() string {
	names := map[ErrCode]string{
		OK: "OK", NoSpace: "NO_SPACE", NoKey: "NO_KEY", NoHdl: "NO_HDL",
		PrecondFail: "PRECOND_FAIL", Conflict: "CONFLICT", Trunc: "TRUNC",
		InvalArg: "INVAL_ARG", InvalRecsize: "INVAL_RECSIZE", InvalKind: "INVAL_KIND",
		InvalType: "INVAL_TYPE", InvalState: "INVAL_STATE", DFIncompt: "DF_INCOMPT",
		Canceled: "CANCELED", Busy: "BUSY", Corrupt: "CORRUPT", Timeout: "TIMEOUT",
	}
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrCode(%d)", int(c))
}

// Error makes ErrCode usable directly as an errors.Is target, the way
// syscall.Errno is: errors.Is(err, vos.NoKey) matches any *Error carrying
// that code.
func (c ErrCode) Error() string { return c.String() }

// Error is the error type every exported vos operation returns: a closed
// code, the operation name, and the wrapped underlying cause.
type Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vos: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("vos: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeCode) work by comparing codes, the common
// case callers actually want (not comparing *Error pointers).
func (e *Error) Is(target error) bool {
	if code, ok := target.(ErrCode); ok {
		return e.Code == code
	}
	return false
}

func newErr(op string, code ErrCode, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// wrapErrIface is wrapErr's counterpart for contexts that return the plain
// error interface (job closures, defer chains): it returns a genuinely
// nil interface when err is nil, avoiding the classic Go pitfall of a nil
// *Error boxed into a non-nil error interface.
func wrapErrIface(op string, err error) error {
	if e := wrapErr(op, err); e != nil {
		return e
	}
	return nil
}

// wrapErr maps a lower-layer sentinel error (pmem/btree/index) to its
// closed vos ErrCode, falling back to a generic INVAL_ARG for anything
// unrecognised — every internal helper that fails returns the error
// upward unchanged in meaning, just reclassified into the
// closed set callers are guaranteed to see.
func wrapErr(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, pmem.ErrNoSpace):
		return newErr(op, NoSpace, err)
	case errors.Is(err, pmem.ErrCorrupt):
		return newErr(op, Corrupt, err)
	case errors.Is(err, pmem.ErrNotFound):
		return newErr(op, NoKey, err)
	case errors.Is(err, btree.ErrNotFound):
		return newErr(op, NoKey, err)
	case errors.Is(err, btree.ErrPrecondFail):
		return newErr(op, PrecondFail, err)
	case errors.Is(err, btree.ErrInvalState):
		return newErr(op, InvalState, err)
	case errors.Is(err, btree.ErrCollision):
		return newErr(op, PrecondFail, err)
	case errors.Is(err, index.ErrNotFound):
		return newErr(op, NoKey, err)
	case errors.Is(err, index.ErrInvalType):
		return newErr(op, InvalType, err)
	case errors.Is(err, epoch.ErrTimeout):
		return newErr(op, Timeout, err)
	case errors.Is(err, errSchedStopped):
		return newErr(op, Canceled, err)
	default:
		return newErr(op, InvalArg, err)
	}
}
