package httptracker

import (
	"fmt"
	"net/http"
	"strings"
)

// maxErrorBody limits how much of the response body is put into the error message.
const maxErrorBody = 100

// StatusError is returned from Announce when the tracker answers with a status other than 200 OK.
type StatusError struct {
	Code   int
	Header http.Header
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("tracker returned http status %d", e.Code)
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	if body != "" {
		msg += ": " + body
	}
	return msg
}
