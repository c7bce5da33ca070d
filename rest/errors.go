package rest

import (
	"fmt"
	"strings"

	cerr "github.com/next-trace/scg-communication/contract/errors"
)

// Severity classifies a failed call as reported by the remote service.
type Severity int

const (
	SeverityDebug Severity = iota + 1
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "Debug"
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity is case-insensitive and returns def for unknown levels.
func ParseSeverity(level string, def Severity) Severity {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return SeverityDebug
	case "info", "information":
		return SeverityInfo
	case "warning", "warn":
		return SeverityWarning
	case "error":
		return SeverityError
	case "critical", "fatal":
		return SeverityCritical
	default:
		return def
	}
}

// ErrorDetails is the problem body returned by services on failure.
type ErrorDetails struct {
	Code          string `json:"code"`
	Title         string `json:"title"`
	Detail        string `json:"detail"`
	Status        int    `json:"status"`
	SeverityLevel string `json:"severityLevel"`
}

// CallFailedError reports a non-2xx response on a typed call.
type CallFailedError struct {
	Method  string
	URL     string
	Status  int
	Details ErrorDetails
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("failed to %s %s: %s, %s", e.Method, e.URL, e.Details.Title, e.Details.Detail)
}

// Code returns the service error code.
func (e *CallFailedError) Code() string { return e.Details.Code }

// StatusCode prefers the status in the problem body over the response status.
func (e *CallFailedError) StatusCode() int {
	if e.Details.Status != 0 {
		return e.Details.Status
	}

	return e.Status
}

func (e *CallFailedError) Severity() Severity {
	return ParseSeverity(e.Details.SeverityLevel, SeverityError)
}

func (e *CallFailedError) Is(target error) bool { return target == cerr.ErrRestCallFailed }
