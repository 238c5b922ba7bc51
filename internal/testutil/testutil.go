// Package testutil provides shared test helpers for the admin routes.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
)

// LocalRequest creates a request that appears to come from localhost, which
// tsweb's debug access check requires.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
