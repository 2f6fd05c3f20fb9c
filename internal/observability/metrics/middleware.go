package metrics

import (
	"net/http"
	"strconv"
)

// ResponseRecorder wraps http.ResponseWriter to capture the status code for
// logging and metrics middleware.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *ResponseRecorder) Status() int {
	return r.status
}

func statusText(status int) string {
	return strconv.Itoa(status)
}

// Middleware counts each completed request against the recorder.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := NewResponseRecorder(w)
		next.ServeHTTP(recorder, req)
		r.HTTPRequest(req.Method, req.URL.Path, recorder.Status())
	})
}
