package errs

import (
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Error codes used across the ordering core. Request-path failures carry one
// of these so the gateway can put a stable code on the ERROR frame.
const (
	CodeRoutingConfig  = 1001 // server id outside [0, totalServers)
	CodeNotOwner       = 1002 // this replica is not the channel authority
	CodeStorage        = 1101 // durable store failure
	CodeCache          = 1102 // cache store failure
	CodeTransport      = 1201 // fan-out publish failure after durable write
	CodeSerialization  = 1202
	CodeAuth           = 1301
	CodeInvalidRequest = 1400
)

var (
	ErrRoutingConfig  = NewCodeError(CodeRoutingConfig, "routing config invalid")
	ErrNotOwner       = NewCodeError(CodeNotOwner, "replica does not own channel")
	ErrStorage        = NewCodeError(CodeStorage, "durable store error")
	ErrCache          = NewCodeError(CodeCache, "cache store error")
	ErrTransport      = NewCodeError(CodeTransport, "fanout publish failed")
	ErrSerialization  = NewCodeError(CodeSerialization, "serialization failed")
	ErrAuth           = NewCodeError(CodeAuth, "unauthorized")
	ErrInvalidRequest = NewCodeError(CodeInvalidRequest, "invalid request")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the receiver is shared
// sentinel state and is never mutated.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapMsg attaches detail and a callsite stack in one step.
func (e *CodeError) WrapMsg(msg string) error {
	return errors.WithStack(e.WithDetail(msg))
}

// Wrap attaches a stack to the sentinel itself.
func (e *CodeError) Wrap() error { return errors.WithStack(e) }

// Is matches by code so wrapped and detailed copies still compare equal
// against the sentinel.
func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !stderrors.As(target, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// CodeOf extracts the error code, or 0 when err carries none.
func CodeOf(err error) int {
	var ce *CodeError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// Wrap mirrors errors.WithStack but tolerates nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(err)
}

// WrapMsg annotates and stacks a plain error.
func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
