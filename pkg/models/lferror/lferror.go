package lferror

import "fmt"

const (
	LF_UNEXPECTED       = "LFERU"
	LF_CONFIG_ERROR     = "LFERG"
	LF_ROUTING_ERROR    = "LFERR"
	LF_CONNECTION_ERROR = "LFERO"
	LF_POOL_CLOSED      = "LFERP"
	LF_DATA_ERROR       = "LFERD"
)

var existingErrorCodeMap = map[string]string{
	LF_CONFIG_ERROR:     "Configuration error",
	LF_ROUTING_ERROR:    "Routing error",
	LF_CONNECTION_ERROR: "Connection error",
	LF_POOL_CLOSED:      "Pool closed",
	LF_DATA_ERROR:       "Data error",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &LeadshardError{}

type LeadshardError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *LeadshardError {
	return &LeadshardError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *LeadshardError {
	return New(errorCode, fmt.Sprintf(format, a...))
}

func (er *LeadshardError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}

func (er *LeadshardError) Unwrap() error {
	return er.Err
}

// ErrorCodeOf returns the leadshard error code carried by err, or
// LF_UNEXPECTED when err is not a LeadshardError.
func ErrorCodeOf(err error) string {
	if lfe, ok := err.(*LeadshardError); ok {
		return lfe.ErrorCode
	}
	return LF_UNEXPECTED
}
