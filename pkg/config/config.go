// Package config binds command line flags, environment variables and an
// optional YAML file into the settings the server and CLI run with.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/logging"
	"github.com/go-go-golems/turnsearch/pkg/redisstream"
)

const (
	EnvPrefix         = "TURNSEARCH"
	DefaultUpstream   = "http://localhost:8000"
	DefaultAddr       = ":8080"
	DefaultSessionTTL = 30 * time.Minute
)

type Settings struct {
	UpstreamURL    string        `mapstructure:"upstream-url" yaml:"upstream-url"`
	APIKey         string        `mapstructure:"api-key" yaml:"api-key"`
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	TopK           int           `mapstructure:"top-k" yaml:"top-k"`
	ConfThreshold  float64       `mapstructure:"conf-threshold" yaml:"conf-threshold"`
	Source         string        `mapstructure:"source" yaml:"source,omitempty"`
	ChatListLimit  int           `mapstructure:"chat-list-limit" yaml:"chat-list-limit"`
	GatewayTimeout time.Duration `mapstructure:"gateway-timeout" yaml:"gateway-timeout"`

	SessionIdle          time.Duration `mapstructure:"session-idle" yaml:"session-idle"`
	SessionEvictInterval time.Duration `mapstructure:"session-evict-interval" yaml:"session-evict-interval"`

	RateLimit float64 `mapstructure:"rate-limit" yaml:"rate-limit"`
	RateBurst int     `mapstructure:"rate-burst" yaml:"rate-burst"`

	Redis   redisstream.Settings `mapstructure:",squash" yaml:"redis"`
	Logging logging.Settings     `mapstructure:",squash" yaml:"logging"`
}

// AddFlags registers every setting as a persistent flag on cmd.
func AddFlags(cmd *cobra.Command) {
	rs := redisstream.DefaultSettings()
	f := cmd.PersistentFlags()
	f.String("config", "", "Path to a YAML config file")
	f.String("upstream-url", DefaultUpstream, "Search backend base URL")
	f.String("api-key", "", "API key sent to the search backend")
	f.String("addr", DefaultAddr, "HTTP listen address")
	f.Int("top-k", 3, "Number of results per search")
	f.Float64("conf-threshold", 0.3, "Minimum confidence of returned matches")
	f.String("source", "", "Restrict searches to a catalog source")
	f.Int("chat-list-limit", 50, "Number of chats and turns listed")
	f.Duration("gateway-timeout", 0, "Per-call backend timeout (0 disables)")
	f.Duration("session-idle", DefaultSessionTTL, "Evict page sessions idle for this long")
	f.Duration("session-evict-interval", time.Minute, "How often idle page sessions are swept")
	f.Float64("rate-limit", 10, "Requests per second allowed per client")
	f.Int("rate-burst", 20, "Request burst allowed per client")
	f.Bool("redis-enabled", rs.Enabled, "Fan session updates out over Redis Streams")
	f.String("redis-addr", rs.Addr, "Redis address")
	f.String("redis-group", rs.Group, "Redis consumer group")
	f.String("redis-consumer", rs.Consumer, "Redis consumer name")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file")
}

// Load resolves settings for cmd. Flags win over the environment, which wins
// over the config file.
func Load(cmd *cobra.Command) (*Settings, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Deployments configure the backend with the same variables the browser
	// build uses.
	if err := v.BindEnv("upstream-url", EnvPrefix+"_UPSTREAM_URL", "API_URL", "NEXT_PUBLIC_API_URL"); err != nil {
		return nil, errors.Wrap(err, "bind upstream env")
	}
	if err := v.BindEnv("api-key", EnvPrefix+"_API_KEY", "API_KEY", "NEXT_PUBLIC_API_KEY"); err != nil {
		return nil, errors.Wrap(err, "bind api key env")
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.UpstreamURL = strings.TrimSpace(s.UpstreamURL)
	if s.UpstreamURL == "" {
		s.UpstreamURL = DefaultUpstream
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	u, err := url.Parse(s.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Errorf("upstream-url %q is not an absolute URL", s.UpstreamURL)
	}
	if s.TopK <= 0 {
		return errors.Errorf("top-k must be positive, got %d", s.TopK)
	}
	if s.ConfThreshold < 0 || s.ConfThreshold > 1 {
		return errors.Errorf("conf-threshold must be within [0,1], got %v", s.ConfThreshold)
	}
	if s.ChatListLimit < 0 {
		return errors.Errorf("chat-list-limit must not be negative, got %d", s.ChatListLimit)
	}
	for name, d := range map[string]time.Duration{
		"gateway-timeout":        s.GatewayTimeout,
		"session-idle":           s.SessionIdle,
		"session-evict-interval": s.SessionEvictInterval,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if s.RateLimit < 0 || s.RateBurst < 0 {
		return errors.New("rate-limit and rate-burst must not be negative")
	}
	return nil
}

func (s *Settings) Gateway() gateway.Config {
	return gateway.Config{BaseURL: s.UpstreamURL, APIKey: s.APIKey, Timeout: s.GatewayTimeout}
}

// StoreOptions are the defaults every conversation store starts from.
func (s *Settings) StoreOptions() conversation.Options {
	return conversation.Options{
		TopK:          s.TopK,
		ConfThreshold: s.ConfThreshold,
		Source:        s.Source,
		ChatListLimit: s.ChatListLimit,
		TurnListLimit: s.ChatListLimit,
	}
}

// YAML renders the settings with the API key masked.
func (s *Settings) YAML() ([]byte, error) {
	masked := *s
	masked.APIKey = Mask(s.APIKey)
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, errors.Wrap(err, "marshal settings")
	}
	return out, nil
}

// Mask keeps the last four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 4:
		return "****"
	default:
		return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
	}
}

