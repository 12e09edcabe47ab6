// Package model defines shared types and error kinds for the proxy.
package model

import (
	"errors"
	"io"
	"net/http"
)

var (
	// ErrReprojection marks a BBOX that could not be parsed or transformed.
	// The request is rejected with 400 and never forwarded.
	ErrReprojection = errors.New("reprojection failed")

	// ErrUpstreamUnavailable marks a failed upstream exchange (connect, timeout, open breaker).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedXML marks a response declared as XML that does not parse.
	ErrMalformedXML = errors.New("malformed upstream xml")

	// ErrXMLTooLarge marks an XML response exceeding upstream.max_xml_bytes.
	ErrXMLTooLarge = errors.New("upstream xml exceeds size limit")
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	// Path is the escaped request path; it may still carry a %3F-delimited
	// query left over from client-side path encoding.
	Path     string
	RawQuery string
	Header   http.Header
}

// UpstreamResponse is the unread upstream reply. The caller closes Body.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// Reply is what the dispatcher hands back to the HTTP layer: either a fully
// rewritten XML document or a stream to copy through.
type Reply struct {
	StatusCode  int
	ContentType string
	Data        []byte
	Stream      io.Reader
}

// Buffered reports whether the reply carries an in-memory body.
func (r *Reply) Buffered() bool {
	return r.Stream == nil
}
