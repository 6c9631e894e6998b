// Package config defines the settings a studio client is built from.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIURL is used when neither config nor environment name a server
const DefaultAPIURL = "http://localhost:8000"

// Client holds every tunable of the status-synchronization client
type Client struct {
	APIURL string `mapstructure:"api_url" yaml:"api_url" json:"api_url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty" json:"-"`

	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay" json:"reconnect_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	PollRetryInterval time.Duration `mapstructure:"poll_retry_interval" yaml:"poll_retry_interval" json:"poll_retry_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"` // 0 disables
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" json:"requests_per_second"`

	TLSCAFile   string `mapstructure:"tls_ca_file" yaml:"tls_ca_file,omitempty" json:"tls_ca_file,omitempty"`
	TLSCertFile string `mapstructure:"tls_cert_file" yaml:"tls_cert_file,omitempty" json:"tls_cert_file,omitempty"`
	TLSKeyFile  string `mapstructure:"tls_key_file" yaml:"tls_key_file,omitempty" json:"tls_key_file,omitempty"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" json:"log_format"` // text or json

	TracingEndpoint string `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint,omitempty" json:"tracing_endpoint,omitempty"`

	// bcrypt hash guarding the local status view; see "manimctl config hash-token"
	StatusTokenHash string `mapstructure:"status_token_hash" yaml:"status_token_hash,omitempty" json:"-"`
}

// Default returns the timings the job server is tuned for
func Default() Client {
	return Client{
		APIURL:            DefaultAPIURL,
		ReconnectDelay:    3 * time.Second,
		PollInterval:      3 * time.Second,
		PollRetryInterval: 5 * time.Second,
		RequestsPerSecond: 10,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Normalize trims the base URL and fills zero durations with defaults
func (c *Client) Normalize() {
	d := Default()
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		c.APIURL = d.APIURL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollRetryInterval <= 0 {
		c.PollRetryInterval = d.PollRetryInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate reports settings the client cannot run with
func (c Client) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("invalid api_url %q: %w", c.APIURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api_url %q must use http or https", c.APIURL)
	}
	if u.Host == "" {
		return fmt.Errorf("api_url %q has no host", c.APIURL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
