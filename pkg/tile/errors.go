package tile

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ConfigurationError reports bad arguments, configuration or a missing token file
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FetchFailure reports a failed tile request, tagged with the tile it was for
type FetchFailure struct {
	Spec       Spec
	URL        string
	StatusCode int // 0 when no response was received
	Attempts   int
	Err        error
}

func (e *FetchFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s", e.Spec)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// RedactURL drops credentials from a request URL so it can be logged,
// returned to clients or used as a cache key
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	q := u.Query()
	changed := false
	for key := range q {
		if strings.EqualFold(key, "token") {
			q.Del(key)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// WriteFailure reports a disk or serialization error
type WriteFailure struct {
	Path string
	Err  error
}

func (e *WriteFailure) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("write: %v", e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// Process exit codes
const (
	ExitOK      = 0
	ExitGeneric = 1
	ExitConfig  = 2
	ExitFetch   = 3
	ExitWrite   = 4
)

// ExitCode maps an error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr *ConfigurationError
	var fetchErr *FetchFailure
	var writeErr *WriteFailure
	switch {
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.As(err, &fetchErr):
		return ExitFetch
	case errors.As(err, &writeErr):
		return ExitWrite
	}
	return ExitGeneric
}

func parseFloats(parts []string) ([]float64, error) {
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// ParsePoint parses "a,b" into two floats
func ParsePoint(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two comma separated numbers, got %q", s)
	}
	vals, err := parseFloats(parts)
	if err != nil {
		return 0, 0, err
	}
	return vals[0], vals[1], nil
}
