package rpc

import "fmt"

// StatusCode classifies the outcome of an RPC call on the wire.
type StatusCode uint32

const (
	StatusOk StatusCode = iota
	StatusBadRequest
	StatusUnauthorized
	StatusNotFound
	StatusTimeout
	StatusUnavailable
	StatusProtocolError
	StatusInternal
)

// String returns the label used in logs and metrics.
func (c StatusCode) String() string {
	switch c {
	case StatusOk:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusNotFound:
		return "not_found"
	case StatusTimeout:
		return "timeout"
	case StatusUnavailable:
		return "unavailable"
	case StatusProtocolError:
		return "protocol_error"
	case StatusInternal:
		return "internal"
	default:
		return fmt.Sprintf("status_%d", uint32(c))
	}
}

// Status is an RPC error carrying a wire status code. A nil *Status or
// StatusOk means success.
type Status struct {
	Code    StatusCode
	Message string
}

// Error implements the error interface.
func (s *Status) Error() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Message)
}

// Statusf builds a Status with a formatted message.
func Statusf(code StatusCode, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the Status from an error, mapping unknown errors to
// StatusInternal so handler failures never leak Go error text structure
// onto the wire unclassified.
func StatusOf(err error) *Status {
	if err == nil {
		return nil
	}
	if s, ok := err.(*Status); ok {
		return s
	}
	return &Status{Code: StatusInternal, Message: err.Error()}
}
