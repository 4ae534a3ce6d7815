package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is returned by [Client] methods when the server answers with
// a 4xx or 5xx status.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.ErrorMessage == "" && e.Status == "":
		return fmt.Sprintf("server returned status %d, see the vidgen server logs for details", e.StatusCode)
	case e.ErrorMessage == "":
		return e.Status
	case e.Status == "":
		return e.ErrorMessage
	default:
		return e.Status + ": " + e.ErrorMessage
	}
}

// IsStatus reports whether err carries a StatusError with code.
func IsStatus(err error, code int) bool {
	var statusErr StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// statusError prefers the "error" field of a JSON body and falls back to
// the raw body.
func statusError(resp *http.Response, body []byte) StatusError {
	msg := strings.TrimSpace(string(body))

	var errorResponse struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error != "" {
		msg = errorResponse.Error
	}

	return StatusError{StatusCode: resp.StatusCode, Status: resp.Status, ErrorMessage: msg}
}
