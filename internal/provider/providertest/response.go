package providertest

import (
	"io"
	"net/http"
	"strings"
)

// Respond builds an *http.Response with the given status and body.
func Respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}
