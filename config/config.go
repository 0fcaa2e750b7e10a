// Package config provides the broker connection parameters read by the
// connection manager on every connect attempt.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"
)

// ErrInvalidConfiguration is returned by Validate.
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

const (
	DefaultHost        = "localhost"
	DefaultPort        = 5672
	DefaultUser        = "guest"
	DefaultPassword    = "guest"
	DefaultVHost       = "/"
	DefaultHeartbeat   = 30 * time.Second
	DefaultPrefetch    = 1
	DefaultDialTimeout = 30 * time.Second
)

// Config holds broker connection parameters.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration
	Prefetch  int

	// ConnectionName is reported to the broker as the client connection name.
	ConnectionName string
	DialTimeout    time.Duration
}

// Provider is the config port. GetConfig is called on every connect so that
// rotated credentials are picked up on reconnect.
type Provider interface {
	GetConfig() Config
}

// Static is a Provider returning a fixed Config.
type Static Config

func (s Static) GetConfig() Config {
	return Config(s)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() Config

func (f ProviderFunc) GetConfig() Config {
	return f()
}

// Default returns a Config pointing at a local broker with guest credentials.
func Default() Config {
	return Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		User:        DefaultUser,
		Password:    DefaultPassword,
		VHost:       DefaultVHost,
		Heartbeat:   DefaultHeartbeat,
		Prefetch:    DefaultPrefetch,
		DialTimeout: DefaultDialTimeout,
	}
}

// Validate checks the fields the dialer depends on.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	case c.Prefetch < 0:
		return fmt.Errorf("%w: prefetch must not be negative", ErrInvalidConfiguration)
	case c.Heartbeat < 0:
		return fmt.Errorf("%w: heartbeat must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// URI builds the AMQP URI for the config.
func (c Config) URI() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.VHost,
	}.String()
}

// Redacted returns the URI with the password masked, for logging.
func (c Config) Redacted() string {
	u, err := url.Parse(c.URI())
	if err != nil {
		return "amqp://***"
	}
	return u.Redacted()
}

// Load reads a Config from v. Keys are host, port, user, password, vhost,
// heartbeat, prefetch, connection_name and dial_timeout; with AutomaticEnv
// they are looked up as RABBITMQ_<KEY>.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	def := Default()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("user", def.User)
	v.SetDefault("password", def.Password)
	v.SetDefault("vhost", def.VHost)
	v.SetDefault("heartbeat", def.Heartbeat)
	v.SetDefault("prefetch", def.Prefetch)
	v.SetDefault("dial_timeout", def.DialTimeout)

	cfg := Config{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		User:           v.GetString("user"),
		Password:       v.GetString("password"),
		VHost:          v.GetString("vhost"),
		Heartbeat:      v.GetDuration("heartbeat"),
		Prefetch:       v.GetInt("prefetch"),
		ConnectionName: v.GetString("connection_name"),
		DialTimeout:    v.GetDuration("dial_timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewViper returns a viper instance bound to RABBITMQ_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("rabbitmq")
	v.AutomaticEnv()
	return v
}
