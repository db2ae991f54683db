package backends

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/go-go-golems/parley/pkg/prompt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Backend is the strategy a generation dispatches its prompt to.
type Backend interface {
	// GenerateChat sends the prompt and returns the streamed answer. A non-success
	// response fails right away with a *TransportError.
	GenerateChat(ctx context.Context, req *ChatRequest) (*Stream, error)
	// GenerateImages is not supported by any backend and always fails with
	// ErrUnsupportedCapability.
	GenerateImages(ctx context.Context, req *ImageRequest) ([]string, error)
}

type ChatRequest struct {
	Model      string
	Messages   []prompt.Message
	Parameters map[string]interface{}
}

type ImageRequest struct {
	Model      string
	Prompt     string
	Parameters map[string]interface{}
}

// HTTPBackend posts chat requests as JSON to a single endpoint and streams the
// raw response body back. The transport performing the read is injected.
type HTTPBackend struct {
	endpoint       string
	transport      Transport
	metadataHeader string
	header         http.Header
}

type Option func(*HTTPBackend)

func WithMetadataHeader(name string) Option {
	return func(b *HTTPBackend) {
		if name != "" {
			b.metadataHeader = name
		}
	}
}

func WithHeaders(headers map[string]string) Option {
	return func(b *HTTPBackend) {
		for k, v := range headers {
			b.header.Set(k, v)
		}
	}
}

func NewHTTPBackend(endpoint string, transport Transport, options ...Option) *HTTPBackend {
	ret := &HTTPBackend{
		endpoint:       endpoint,
		transport:      transport,
		metadataHeader: connection.DefaultMetadataHeader,
		header:         http.Header{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (b *HTTPBackend) Endpoint() string {
	return b.endpoint
}

// BuildRequestBody builds `{model, messages, stream: true, ...parameters}`.
// The parameters are spread last, so a parameter named like one of the
// request fields replaces it.
func BuildRequestBody(req *ChatRequest) ([]byte, error) {
	messages, err := prompt.ToWire(req.Messages)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	}
	for k, v := range req.Parameters {
		if _, reserved := body[k]; reserved {
			log.Debug().Str("parameter", k).Msg("parameter overrides request field")
		}
		body[k] = v
	}

	ret, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode request body")
	}
	return ret, nil
}

func (b *HTTPBackend) GenerateChat(ctx context.Context, req *ChatRequest) (*Stream, error) {
	body, err := BuildRequestBody(req)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("endpoint", b.endpoint).
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("Sending chat request")

	resp, err := b.transport.Open(ctx, &Request{
		URL:    b.endpoint,
		Body:   body,
		Header: b.header.Clone(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Endpoint: b.endpoint, Err: err}
	}

	if status := resp.StatusCode(); status < 200 || status > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body(), 512))
		_ = resp.Body().Close()
		return nil, &TransportError{
			Endpoint:   b.endpoint,
			StatusCode: status,
			Body:       string(snippet),
		}
	}

	return newStream(ctx, b.endpoint, b.metadataHeader, resp), nil
}

func (b *HTTPBackend) GenerateImages(context.Context, *ImageRequest) ([]string, error) {
	return nil, &UnsupportedCapabilityError{Capability: "generateImages"}
}

var _ Backend = (*HTTPBackend)(nil)

// NewBackend creates the backend for a connection, picking the transport
// from the connection kind.
func NewBackend(c *connection.Config) (Backend, error) {
	if c == nil {
		return nil, errors.New("connection is nil")
	}
	endpoint, err := c.Endpoint()
	if err != nil {
		return nil, err
	}

	var transport Transport
	switch c.Kind {
	case connection.KindDirect, "":
		transport = NewDirectTransport(&http.Client{Timeout: c.Timeout})
	case connection.KindProxy:
		transport = NewProxyTransport(WithProxyURL(c.ProxyURL), WithTimeout(c.Timeout))
	default:
		return nil, errors.Errorf("unsupported connection kind %q", c.Kind)
	}

	return NewHTTPBackend(
		endpoint,
		transport,
		WithMetadataHeader(c.HeaderName()),
		WithHeaders(c.Headers),
	), nil
}
