package hamt

import "fmt"

type ErrorCode string

const (
	KeyNotFound        ErrorCode = "HAMT_KEY_NOT_FOUND"
	InconsistentSchema ErrorCode = "HAMT_INCONSISTENT_SCHEMA"
	MaxDepthExceeded   ErrorCode = "HAMT_MAX_DEPTH_EXCEEDED"
	MalformedNode      ErrorCode = "HAMT_MALFORMED_NODE"
)

type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func newErr(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}
