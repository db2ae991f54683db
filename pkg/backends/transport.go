package backends

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Request is a streaming POST a Transport has to perform.
type Request struct {
	URL    string
	Body   []byte
	Header http.Header
}

// Response is an opened streaming response. The body is read block by block
// by the caller, headers are available right away and trailers once the body
// has been read to the end.
type Response interface {
	StatusCode() int
	Header() http.Header
	Trailer() http.Header
	Body() io.ReadCloser
}

// Transport performs the request and hands back the unread response. It must
// not buffer or reframe the body, and must abort the read when ctx is done.
type Transport interface {
	Open(ctx context.Context, req *Request) (Response, error)
}

type httpResponse struct {
	resp *http.Response
}

func (r *httpResponse) StatusCode() int      { return r.resp.StatusCode }
func (r *httpResponse) Header() http.Header  { return r.resp.Header }
func (r *httpResponse) Trailer() http.Header { return r.resp.Trailer }
func (r *httpResponse) Body() io.ReadCloser  { return r.resp.Body }

// DirectTransport posts with a plain net/http client and reads the raw body.
type DirectTransport struct {
	client *http.Client
}

func NewDirectTransport(client *http.Client) *DirectTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &DirectTransport{client: client}
}

func (d *DirectTransport) Open(ctx context.Context, req *Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(err, "could not create request")
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &httpResponse{resp: resp}, nil
}

var _ Transport = (*DirectTransport)(nil)

// ProxyTransport goes through a resty client, which can route the request
// through an HTTP proxy. The response is left unparsed so the body can be
// streamed.
type ProxyTransport struct {
	client *resty.Client
}

type ProxyOption func(*resty.Client)

func WithProxyURL(proxyURL string) ProxyOption {
	return func(c *resty.Client) {
		if proxyURL != "" {
			c.SetProxy(proxyURL)
		}
	}
}

func WithTimeout(timeout time.Duration) ProxyOption {
	return func(c *resty.Client) {
		if timeout > 0 {
			c.SetTimeout(timeout)
		}
	}
}

func NewProxyTransport(options ...ProxyOption) *ProxyTransport {
	client := resty.New().SetRetryCount(0)
	for _, o := range options {
		o(client)
	}
	return &ProxyTransport{client: client}
}

func (p *ProxyTransport) Open(ctx context.Context, req *Request) (Response, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(req.Header).
		SetHeader("Content-Type", "application/json").
		SetBody(req.Body).
		SetDoNotParseResponse(true).
		Post(req.URL)
	if err != nil {
		return nil, err
	}
	return &httpResponse{resp: resp.RawResponse}, nil
}

var _ Transport = (*ProxyTransport)(nil)
