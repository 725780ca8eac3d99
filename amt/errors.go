package amt

import "fmt"

type ErrorCode string

const (
	IndexTooBig   ErrorCode = "AMT_INDEX_TOO_BIG"
	MalformedNode ErrorCode = "AMT_MALFORMED_NODE"
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
