package connection

import (
	"context"
	"net/http"
	"net/url"
	"sort"

	ollama "github.com/ollama/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// ModelLister fetches the models a connection can serve. This backs the
// "refresh models" hook of the surrounding UI, it is not needed to generate.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

var ErrNoModelsAPI = errors.New("connection has no models api configured")

// NewModelLister returns the lister matching the connection's models-api.
func NewModelLister(c *Config) (ModelLister, error) {
	host := c.FormattedHost()
	if host == "" {
		return nil, errors.New("connection has no host")
	}

	httpClient := &http.Client{Timeout: c.Timeout}

	switch c.ModelsAPI {
	case ModelsAPIOllama:
		u, err := url.Parse(host)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid host %q", c.Host)
		}
		return &OllamaModelLister{client: ollama.NewClient(u, httpClient)}, nil

	case ModelsAPIOpenAI:
		cfg := go_openai.DefaultConfig(c.APIKey)
		cfg.BaseURL = host
		cfg.HTTPClient = httpClient
		return &OpenAIModelLister{client: go_openai.NewClientWithConfig(cfg)}, nil

	default:
		return nil, ErrNoModelsAPI
	}
}

type OllamaModelLister struct {
	client *ollama.Client
}

func (o *OllamaModelLister) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list ollama models")
	}
	ret := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ret = append(ret, m.Name)
	}
	sort.Strings(ret)
	log.Debug().Int("models", len(ret)).Msg("Fetched ollama models")
	return ret, nil
}

type OpenAIModelLister struct {
	client *go_openai.Client
}

func (o *OpenAIModelLister) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list openai models")
	}
	ret := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ret = append(ret, m.ID)
	}
	sort.Strings(ret)
	log.Debug().Int("models", len(ret)).Msg("Fetched openai models")
	return ret, nil
}

var _ ModelLister = (*OllamaModelLister)(nil)
var _ ModelLister = (*OpenAIModelLister)(nil)
