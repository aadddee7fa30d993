package recorder

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseRecorder is an http.ResponseWriter that keeps the response in memory
// instead of sending it anywhere. It is the target of the origin proxy.
type ResponseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (r *ResponseRecorder) Header() http.Header {
	return r.header
}

// Implementation of http.ResponseWriter
func (r *ResponseRecorder) WriteHeader(statusCode int) {
	// only the first status counts, like a real connection
	if r.wroteHeaders {
		return
	}
	r.wroteHeaders = true
	r.status = statusCode
}

// Implementation of http.ResponseWriter
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeaders {
		r.WriteHeader(http.StatusOK)
	}
	return r.b.Write(b)
}

// Flush is a no-op, the recorder never streams.
func (r *ResponseRecorder) Flush() {}

// Fail records a transport level failure. A failed recording must not be
// delivered or stored, whatever was written before.
func (r *ResponseRecorder) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the failure recorded with Fail, if any.
func (r *ResponseRecorder) Err() error {
	return r.err
}

// StatusCode returns the status code of the response, 200 when only a body was written.
func (r *ResponseRecorder) StatusCode() int {
	if !r.wroteHeaders {
		return http.StatusOK
	}
	return r.status
}

// Body returns the recorded body.
func (r *ResponseRecorder) Body() []byte {
	return r.b.Bytes()
}

// NewResponseRecorder returns an empty recorder stamped with the given time.
func NewResponseRecorder(now time.Time) *ResponseRecorder {
	return &ResponseRecorder{
		CreatedAt: now,
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}

// CopyHeader appends every value of src to dst, keeping the order of values per name.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
