package connection

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// Kind selects the transport used to talk to a chat endpoint.
type Kind string

const (
	// KindDirect reads the response body straight from net/http.
	KindDirect Kind = "direct"
	// KindProxy goes through a resty client, optionally via an HTTP proxy.
	KindProxy Kind = "proxy"
)

// ModelsAPI selects how the list of models of a connection is fetched.
type ModelsAPI string

const (
	ModelsAPINone   ModelsAPI = ""
	ModelsAPIOllama ModelsAPI = "ollama"
	ModelsAPIOpenAI ModelsAPI = "openai"
)

const DefaultMetadataHeader = "x-generation-info"

// Config describes one backend connection: where to send chat requests, with
// which model, and the generation parameters that are forwarded verbatim.
type Config struct {
	ID             string                 `mapstructure:"id" yaml:"id"`
	Label          string                 `mapstructure:"label" yaml:"label,omitempty"`
	Kind           Kind                   `mapstructure:"kind" yaml:"kind"`
	Host           string                 `mapstructure:"host" yaml:"host"`
	Path           string                 `mapstructure:"path" yaml:"path,omitempty"`
	Model          string                 `mapstructure:"model" yaml:"model"`
	ProxyURL       string                 `mapstructure:"proxy-url" yaml:"proxy-url,omitempty"`
	MetadataHeader string                 `mapstructure:"metadata-header" yaml:"metadata-header,omitempty"`
	ModelsAPI      ModelsAPI              `mapstructure:"models-api" yaml:"models-api,omitempty"`
	APIKey         string                 `mapstructure:"api-key" yaml:"-"`
	Timeout        time.Duration          `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Headers        map[string]string      `mapstructure:"headers" yaml:"headers,omitempty"`
	Parameters     map[string]interface{} `mapstructure:"parameters" yaml:"parameters,omitempty"`
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Config)
}

// FormattedHost returns the host with a scheme and without trailing slash,
// or an empty string if no host is configured.
func (c *Config) FormattedHost() string {
	if c == nil {
		return ""
	}
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return ""
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return strings.TrimRight(host, "/")
}

// Endpoint is the full URL chat requests are posted to.
func (c *Config) Endpoint() (string, error) {
	host := c.FormattedHost()
	if host == "" {
		return "", errors.New("connection has no host")
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", errors.Wrapf(err, "invalid host %q", c.Host)
	}
	if c.Path != "" {
		u = u.JoinPath(c.Path)
	}
	return u.String(), nil
}

// Usable reports whether the connection has everything a generation needs.
func (c *Config) Usable() bool {
	return c != nil && c.FormattedHost() != "" && strings.TrimSpace(c.Model) != ""
}

func (c *Config) HeaderName() string {
	if c == nil || c.MetadataHeader == "" {
		return DefaultMetadataHeader
	}
	return c.MetadataHeader
}

// Validate checks the parts of the configuration that can be wrong without
// the connection being merely incomplete.
func (c *Config) Validate() error {
	switch c.Kind {
	case "", KindDirect, KindProxy:
	default:
		return errors.Errorf("connection %s: unknown kind %q", c.ID, c.Kind)
	}
	switch c.ModelsAPI {
	case ModelsAPINone, ModelsAPIOllama, ModelsAPIOpenAI:
	default:
		return errors.Errorf("connection %s: unknown models-api %q", c.ID, c.ModelsAPI)
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			return errors.Wrapf(err, "connection %s: invalid proxy-url", c.ID)
		}
	}
	return ValidateParameters(c.Parameters)
}

// ValidateParameters only checks that the parameter bag can be serialized to
// JSON. Any key is accepted, backends get them opaquely.
func ValidateParameters(params map[string]interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if _, err := json.Marshal(params); err != nil {
		return errors.Wrap(err, "parameters are not JSON serializable")
	}
	return nil
}
