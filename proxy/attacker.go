package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/erra-dev/erra/log"
)

// attacker forwards one decrypted or plaintext request upstream, with
// the hooks around it.
type attacker struct {
	proxy  *Proxy
	client *http.Client
}

func newAttacker(proxy *Proxy) *attacker {
	return &attacker{
		proxy: proxy,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:              proxy.realUpstreamProxy(),
				DisableKeepAlives:  true,
				DisableCompression: true, // To get the original response from the server, set Transport.DisableCompression to true.
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: !proxy.Opts.VerifyUpstream,
				},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// 禁止自动重定向
				return http.ErrUseLastResponse
			},
		},
	}
}

func (a *attacker) attack(res http.ResponseWriter, req *http.Request, scheme string) {
	proxy := a.proxy
	f := newFlow(req, scheme)
	logger := log.WithFields(log.Fields{"in": "attack", "flow": f.Id.String(), "method": req.Method, "url": f.Request.URL.String()})

	fail := func(err error) {
		if errors.Is(err, context.Canceled) {
			logger.Debugf("client went away: %v", err)
			return
		}
		var fe *ForwardError
		if !errors.As(err, &fe) {
			err = &ForwardError{URL: f.Request.URL.String(), Err: err}
		}
		logger.Warnf("%v", err)
		httpError(res, diagnostic+"\n"+err.Error(), http.StatusBadGateway)
	}

	// Read request body
	var reqBody io.Reader = req.Body
	reqBuf, r, err := readerToBuffer(req.Body, proxy.Opts.StreamLargeBodies)
	if err != nil {
		fail(err)
		return
	}
	if reqBuf == nil {
		logger.Warnf("request body size >= %v", proxy.Opts.StreamLargeBodies)
		f.Stream = true
		reqBody = r
	} else {
		f.Request.Body = reqBuf
	}

	if err := proxy.hooks.preForward(req.Context(), f); err != nil {
		fail(err)
		return
	}
	if !f.Stream {
		reqBody = bytes.NewReader(f.Request.Body)
	}

	proxyReqCtx := context.WithValue(req.Context(), proxyReqCtxKey, req)
	proxyReq, err := http.NewRequestWithContext(proxyReqCtx, f.Request.Method, f.Request.URL.String(), reqBody)
	if err != nil {
		fail(err)
		return
	}
	copyHeader(proxyReq.Header, f.Request.Header)
	if f.Stream {
		proxyReq.ContentLength = req.ContentLength
	} else {
		proxyReq.ContentLength = int64(len(f.Request.Body))
	}
	if req.Host != "" && req.Host != f.Request.URL.Host {
		proxyReq.Host = req.Host
	}

	proxyRes, err := a.client.Do(proxyReq)
	if err != nil {
		fail(err)
		return
	}
	defer proxyRes.Body.Close()

	f.Response = &Response{
		StatusCode: proxyRes.StatusCode,
		Header:     make(http.Header),
	}
	copyHeader(f.Response.Header, proxyRes.Header)

	// Read response body
	resBuf, r, err := readerToBuffer(proxyRes.Body, proxy.Opts.StreamLargeBodies)
	if err != nil {
		fail(err)
		return
	}
	if resBuf == nil {
		logger.Warnf("response body size >= %v", proxy.Opts.StreamLargeBodies)
		f.Stream = true
		f.Response.BodyReader = r
	} else {
		f.Response.Body = resBuf
	}

	if err := proxy.hooks.postResponse(f); err != nil {
		fail(err)
		return
	}

	logger.Debugf("%d", f.Response.StatusCode)
	a.reply(res, req, f.Response)
}

func (a *attacker) reply(res http.ResponseWriter, req *http.Request, response *Response) {
	for key, values := range response.Header {
		for _, v := range values {
			res.Header().Add(key, v)
		}
	}
	if response.BodyReader == nil && bodyAllowed(req, response.StatusCode) {
		res.Header().Set("Content-Length", strconv.Itoa(len(response.Body)))
	}
	res.WriteHeader(response.StatusCode)

	var err error
	if response.BodyReader != nil {
		_, err = io.Copy(res, response.BodyReader)
	} else if len(response.Body) > 0 {
		_, err = res.Write(response.Body)
	}
	if err != nil {
		logErr(err)
	}
}

// bodyAllowed reports whether a response to req with status may carry a
// body, and so a Content-Length describing it.
func bodyAllowed(req *http.Request, status int) bool {
	if req.Method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status <= 199, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
