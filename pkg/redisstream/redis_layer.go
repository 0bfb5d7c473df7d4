package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"redis-group" yaml:"redis-group"`
	Consumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

// DefaultSettings returns the in-memory transport configuration.
func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "turnsearch-ui",
		Consumer: "ui-1",
	}
}
