package proxy

import (
	"io"
	"net/http"
	"net/url"

	uuid "github.com/satori/go.uuid"
)

// Request is the client request as it will be forwarded. Hooks may
// change any field before forwarding.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header
	Body   []byte

	raw *http.Request
}

// Raw returns the request received from the client.
func (r *Request) Raw() *http.Request {
	return r.raw
}

// Response is the upstream response as it will be written to the
// client. Body is nil when the flow streams.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	BodyReader io.Reader
}

// Flow is one proxied exchange.
type Flow struct {
	Id       uuid.UUID
	Request  *Request
	Response *Response

	// Stream is set when either body exceeded Options.StreamLargeBodies
	// and is passed through without buffering. Response.IsStream tells
	// the response side alone.
	Stream bool

	// Meta carries values between the hooks of one flow.
	Meta map[string]any
}

func newFlow(req *http.Request, scheme string) *Flow {
	return &Flow{
		Id: uuid.NewV4(),
		Request: &Request{
			Method: req.Method,
			URL:    targetURL(req, scheme),
			Proto:  req.Proto,
			Header: req.Header.Clone(),
			raw:    req,
		},
		Meta: make(map[string]any),
	}
}

// targetURL is the request's absolute URL when it has one, otherwise
// the listener scheme plus the Host header.
func targetURL(req *http.Request, scheme string) *url.URL {
	u := *req.URL
	if u.IsAbs() && u.Host != "" {
		return &u
	}
	u.Scheme = scheme
	u.Host = req.Host
	return &u
}
