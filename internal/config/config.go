// Package config loads settings for the phxgql binaries from flags,
// PHXGQL_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lightforgemedia/go-phxgql/pkg/client"
	"github.com/lightforgemedia/go-phxgql/pkg/shared_types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "PHXGQL"

type Config struct {
	Endpoint      string            `mapstructure:"endpoint"`
	Topic         string            `mapstructure:"topic"`
	Event         string            `mapstructure:"event"`
	Params        map[string]string `mapstructure:"params"`
	Delivery      string            `mapstructure:"delivery"`
	AlwaysResolve bool              `mapstructure:"always_resolve"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	LogTransport  bool              `mapstructure:"log_transport"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Path         string        `mapstructure:"path"`
	NATSURL      string        `mapstructure:"nats_url"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "ws://localhost:4000/socket")
	v.SetDefault("topic", shared_types.TopicAbsintheControl)
	v.SetDefault("event", shared_types.EventDoc)
	v.SetDefault("params", map[string]string{})
	v.SetDefault("delivery", "socket")
	v.SetDefault("always_resolve", false)
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("log_transport", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")

	v.SetDefault("server.addr", ":4000")
	v.SetDefault("server.path", "/socket/websocket")
	v.SetDefault("server.nats_url", "")
	v.SetDefault("server.tick_interval", time.Second)
	v.SetDefault("server.ping_interval", 30*time.Second)
}

// BindCommonFlags binds the flags every command shares as persistent flags.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()

	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")

	_ = v.BindPFlag("log.level", f.Lookup("log-level"))
	_ = v.BindPFlag("log.format", f.Lookup("log-format"))
	_ = v.BindPFlag("metrics.addr", f.Lookup("metrics-addr"))
}

// BindClientFlags binds the connection flags as persistent flags of cmd, so
// one binding serves every client subcommand.
func BindClientFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()

	f.String("endpoint", "", "socket URL (default ws://localhost:4000/socket)")
	f.String("topic", "", "control channel topic")
	f.String("event", "", "event documents are pushed with")
	f.StringToString("param", nil, "socket connect parameter, key=value (repeatable)")
	f.String("delivery", "", "where subscription events are read: socket or channel")
	f.Bool("always-resolve", false, "pass failures to afterware instead of rejecting")
	f.Duration("timeout", 0, "connect, join and reply timeout")
	f.Bool("log-transport", false, "log every frame at debug level")

	_ = v.BindPFlag("endpoint", f.Lookup("endpoint"))
	_ = v.BindPFlag("topic", f.Lookup("topic"))
	_ = v.BindPFlag("event", f.Lookup("event"))
	_ = v.BindPFlag("params", f.Lookup("param"))
	_ = v.BindPFlag("delivery", f.Lookup("delivery"))
	_ = v.BindPFlag("always_resolve", f.Lookup("always-resolve"))
	_ = v.BindPFlag("timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("log_transport", f.Lookup("log-transport"))
}

// BindServerFlags binds the flags of the dev server.
func BindServerFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()

	f.String("addr", "", "listen address")
	f.String("path", "", "websocket path")
	f.String("nats-url", "", "share published events through this NATS server")
	f.Duration("tick-interval", 0, "interval of the demo ticks subscription")

	_ = v.BindPFlag("server.addr", f.Lookup("addr"))
	_ = v.BindPFlag("server.path", f.Lookup("path"))
	_ = v.BindPFlag("server.nats_url", f.Lookup("nats-url"))
	_ = v.BindPFlag("server.tick_interval", f.Lookup("tick-interval"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("phxgql")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/phxgql")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ClientConfig converts the loaded settings into a client.Config.
func (c Config) ClientConfig() (client.Config, error) {
	cfg := client.DefaultConfig(c.Endpoint)
	cfg.Channel.Topic = c.Topic
	cfg.Channel.Event = c.Event
	cfg.AlwaysResolve = c.AlwaysResolve
	cfg.Timeout = c.Timeout
	cfg.LogTransport = c.LogTransport

	if len(c.Params) > 0 {
		cfg.Params = make(map[string]any, len(c.Params))
		for k, val := range c.Params {
			cfg.Params[k] = val
		}
	}

	switch strings.ToLower(c.Delivery) {
	case "", "socket":
		cfg.Delivery = client.DeliverySocket
	case "channel":
		cfg.Delivery = client.DeliveryChannel
	default:
		return client.Config{}, fmt.Errorf("config: unknown delivery %q (want socket or channel)", c.Delivery)
	}
	return cfg, nil
}
