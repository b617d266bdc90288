package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/pgp-list-relay/")
	v.AddConfigPath("$HOME/.pgp-list-relay")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("LIST_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Relay defaults
	v.SetDefault("relay.keyring_dir", "/var/lib/pgp-list-relay/keyrings")
	v.SetDefault("relay.superadmin", "root@localhost")

	// Ingress defaults
	v.SetDefault("ingress.listen_address", "127.0.0.1:10025")
	v.SetDefault("ingress.domain", "localhost")
	v.SetDefault("ingress.max_message_bytes", 26214400)
	v.SetDefault("ingress.read_timeout", "1m")
	v.SetDefault("ingress.write_timeout", "1m")

	// Outbound transport defaults
	v.SetDefault("transport.type", "smtp")
	v.SetDefault("transport.smtp_address", "localhost:10027")
	v.SetDefault("transport.helo_domain", "localhost")
	v.SetDefault("transport.username", "")
	v.SetDefault("transport.password", "")

	// Delivery defaults
	v.SetDefault("delivery.workers", 4)
	v.SetDefault("delivery.send_timeout", "1m")

	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.sqlite_path", "/var/lib/pgp-list-relay/lists.db")
	v.SetDefault("store.mysql_dsn", "user:password@tcp(localhost:3306)/pgp_list_relay")

	// Keyserver defaults
	v.SetDefault("hkp.base_url", "https://keys.openpgp.org")
	v.SetDefault("hkp.timeout", "30s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	return time.ParseDuration(c.GetString(key))
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
