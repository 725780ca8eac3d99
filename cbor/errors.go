package cbor

import "fmt"

// ErrorCode identifies the failure modes a caller needs to branch on.
type ErrorCode string

const (
	InvalidCbor     ErrorCode = "INVALID_CBOR"
	WrongType       ErrorCode = "WRONG_TYPE"
	IntOverflow     ErrorCode = "INT_OVERFLOW"
	InvalidCborCID  ErrorCode = "INVALID_CBOR_CID"
	WrongSize       ErrorCode = "WRONG_SIZE"
	KeyNotFound     ErrorCode = "KEY_NOT_FOUND"
)

// Error is the codec's typed error, following consensus.TxError in the teacher.
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
