package paywall

import (
	"bytes"
	"net/http"
)

// bufferedResponseWriter captures the downstream handler's response in
// memory so the middleware can decide, after the handler returns, whether
// to settle and flush it verbatim or replace it with a 402. The handler
// never touches the real connection, which is what makes the
// settle-before-flush ordering guarantee possible.
type bufferedResponseWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header)}
}

func (b *bufferedResponseWriter) Header() http.Header {
	return b.header
}

func (b *bufferedResponseWriter) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *bufferedResponseWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

// Status returns the handler's status code, defaulting to 200 when the
// handler wrote a body without an explicit WriteHeader.
func (b *bufferedResponseWriter) Status() int {
	if !b.wroteHeader {
		return http.StatusOK
	}
	return b.status
}

// flushTo replays the buffered response byte-for-byte onto the real
// writer. extraHeaders are applied first so settlement headers land
// before the status line is committed.
func (b *bufferedResponseWriter) flushTo(w http.ResponseWriter, extraHeaders http.Header) {
	dst := w.Header()
	for key, values := range b.header {
		dst[key] = values
	}
	for key, values := range extraHeaders {
		dst[key] = values
	}
	w.WriteHeader(b.Status())
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
