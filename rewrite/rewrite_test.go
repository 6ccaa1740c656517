package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/erra-dev/erra/cert"
	"github.com/erra-dev/erra/proxy"
	"github.com/erra-dev/erra/snippet"
)

const snippetsYAML = `
shelf:
  $fixed open: true
  $mockjs tags|3: ["new"]
  $snippet owner: person
person:
  $fixed name: erra
`

func newRegistry(t *testing.T) *snippet.Registry {
	t.Helper()
	var docs map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(snippetsYAML), &docs))
	return snippet.NewRegistry(docs)
}

func newFlow(t *testing.T, method, rawURL string) *proxy.Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &proxy.Flow{
		Request: &proxy.Request{Method: method, URL: u, Header: http.Header{}},
		Meta:    map[string]any{},
	}
}

func TestMatch(t *testing.T) {
	a := New(newRegistry(t), []Rule{
		{Match: "*example.com/api/books*", Method: "GET", Snippet: "shelf"},
		{Match: "*example.com/api/*", Snippet: "person"},
	})
	defer a.Close()

	r, ok := a.Match("GET", "www.example.com/api/books/1")
	require.True(t, ok)
	assert.Equal(t, "shelf", r.Snippet)

	r, ok = a.Match("post", "www.example.com/api/books/1")
	require.True(t, ok)
	assert.Equal(t, "person", r.Snippet)

	_, ok = a.Match("GET", "example.org/api/books")
	assert.False(t, ok)
}

func TestPreForwardIgnoresPort(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "api.example.com/v1/*", Snippet: "shelf"}})
	defer a.Close()

	f := newFlow(t, "GET", "https://api.example.com:8443/v1/shelf")
	require.NoError(t, a.PreForward(context.Background(), f))
	assert.Equal(t, Rule{Match: "api.example.com/v1/*", Snippet: "shelf"}, f.Meta[metaKey])
}

func TestPostResponseMergesEncodedJSON(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "*", Snippet: "shelf"}})
	defer a.Close()

	encoded, err := proxy.Encode("gzip", []byte(`{"books":["a","b"],"open":false}`))
	require.NoError(t, err)

	f := newFlow(t, "GET", "http://example.com/shelf")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header: http.Header{
			"Content-Encoding": {"gzip"},
			"Content-Type":     {"application/json"},
		},
		Body: encoded,
	}
	require.NoError(t, a.PostResponse(f))

	assert.Empty(t, f.Response.Header.Get("Content-Encoding"))
	var out map[string]any
	require.NoError(t, json.Unmarshal(f.Response.Body, &out))
	assert.Equal(t, []any{"a", "b"}, out["books"])
	assert.Equal(t, true, out["open"])
	assert.Equal(t, []any{"new", "new", "new"}, out["tags"])
	assert.Equal(t, map[string]any{"name": "erra"}, out["owner"])
}

func TestPostResponseNonJSONBody(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "*", Snippet: "person"}})
	defer a.Close()

	f := newFlow(t, "GET", "http://example.com/")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html></html>"),
	}
	require.NoError(t, a.PostResponse(f))

	assert.JSONEq(t, `{"name":"erra"}`, string(f.Response.Body))
	assert.Equal(t, "application/json; charset=utf-8", f.Response.Header.Get("Content-Type"))
}

func TestPostResponseWithoutRule(t *testing.T) {
	a := New(newRegistry(t), nil)
	defer a.Close()

	f := newFlow(t, "GET", "http://example.com/")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{StatusCode: 200, Header: http.Header{}, Body: []byte("untouched")}
	require.NoError(t, a.PostResponse(f))
	assert.Equal(t, "untouched", string(f.Response.Body))
}

func TestReloadVisible(t *testing.T) {
	reg := newRegistry(t)
	a := New(reg, []Rule{{Match: "*", Snippet: "person"}})
	defer a.Close()

	merge := func() map[string]any {
		f := newFlow(t, "GET", "http://example.com/")
		require.NoError(t, a.PreForward(context.Background(), f))
		f.Response = &proxy.Response{StatusCode: 200, Header: http.Header{}, Body: []byte(`{}`)}
		require.NoError(t, a.PostResponse(f))
		var out map[string]any
		require.NoError(t, json.Unmarshal(f.Response.Body, &out))
		return out
	}

	assert.Equal(t, "erra", merge()["name"])
	reg.Replace(map[string]any{"person": map[string]any{"$fixed name": "reloaded"}})
	assert.Equal(t, "reloaded", merge()["name"])
}

func TestThroughProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"books":[]}`)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	require.NoError(t, cert.GenerateRoot(dir))
	p, err := proxy.NewProxy(&proxy.Options{Addr: "127.0.0.1:0", TLSAddr: "127.0.0.1:0", CaRootPath: dir})
	require.NoError(t, err)
	require.NoError(t, p.Listen())
	go func() { _ = p.Serve() }()
	defer p.Close()

	a := New(newRegistry(t), []Rule{{Match: "127.0.0.1/api/*", Snippet: "person"}})
	defer a.Close()
	a.Install(p.Hooks())

	client := &http.Client{Transport: &http.Transport{
		Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: p.Addr().String()}),
	}}
	res, err := client.Get(upstream.URL + "/api/books")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"books":[],"name":"erra"}`, string(b))
}

func TestPostResponseKeepsLargeIntegers(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "*", Snippet: "person"}})
	defer a.Close()

	f := newFlow(t, "GET", "http://example.com/")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(`{"id":12345678901234567890,"n":9007199254740993,"f":1.5}`),
	}
	require.NoError(t, a.PostResponse(f))

	body := string(f.Response.Body)
	assert.Contains(t, body, `"id":12345678901234567890`)
	assert.Contains(t, body, `"n":9007199254740993`)
	assert.JSONEq(t, `{"id":12345678901234567890,"n":9007199254740993,"f":1.5,"name":"erra"}`, body)
}

func TestPostResponseTrailingDataNotJSON(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "*", Snippet: "person"}})
	defer a.Close()

	f := newFlow(t, "GET", "http://example.com/")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{StatusCode: 200, Header: http.Header{}, Body: []byte(`{"a":1} trailing`)}
	require.NoError(t, a.PostResponse(f))
	assert.JSONEq(t, `{"name":"erra"}`, string(f.Response.Body))
}

func TestPostResponseSkipsStreamedBody(t *testing.T) {
	a := New(newRegistry(t), []Rule{{Match: "*", Snippet: "person"}})
	defer a.Close()

	f := newFlow(t, "GET", "http://example.com/")
	require.NoError(t, a.PreForward(context.Background(), f))
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header:     http.Header{},
		BodyReader: strings.NewReader(`{"big":true}`),
	}
	require.NoError(t, a.PostResponse(f))
	assert.Nil(t, f.Response.Body)
	assert.NotNil(t, f.Response.BodyReader)
}

func TestLargeUploadStillRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"received":%d}`, n)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	require.NoError(t, cert.GenerateRoot(dir))
	p, err := proxy.NewProxy(&proxy.Options{
		Addr:              "127.0.0.1:0",
		TLSAddr:           "127.0.0.1:0",
		CaRootPath:        dir,
		StreamLargeBodies: 1024,
	})
	require.NoError(t, err)
	require.NoError(t, p.Listen())
	go func() { _ = p.Serve() }()
	defer p.Close()

	a := New(newRegistry(t), []Rule{{Match: "127.0.0.1/upload", Snippet: "person"}})
	defer a.Close()
	a.Install(p.Hooks())

	client := &http.Client{Transport: &http.Transport{
		Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: p.Addr().String()}),
	}}
	payload := strings.Repeat("x", 4096)
	res, err := client.Post(upstream.URL+"/upload", "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"received":4096,"name":"erra"}`, string(b))
}
