package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter and remembers the status code
// written so middleware can observe it after the handler returns.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

// NewResponseRecorder wraps the provided writer with a default 200 status.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the status code before delegating to the wrapped writer.
func (r *ResponseRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Write marks the response as written before delegating to the wrapped writer.
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Status reports the recorded status code.
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Middleware observes every request served by the wrapped handler on the
// provided Recorder.
func Middleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, rec.Status(), time.Since(start))
	})
}
