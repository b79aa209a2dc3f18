// Package config loads the YAML configuration shared by the three binaries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"portalfeed/internal/model"
)

// CalendarCodes maps a configured exchange to its trading-calendar code.
// Only these exchanges are accepted.
var CalendarCodes = map[string]string{
	"NASDAQ": "NASDAQ",
	"NYMEX":  "NYSE",
	"NYSE":   "NYSE",
	"ARCA":   "NYSE",
	"GLOBEX": "CME_Rate",
}

// RedisConfig is the connection block for the keyed store / pub-sub bus.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns "host:port" for the go-redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// InstrumentConfig is one entry of the instruments list.
type InstrumentConfig struct {
	Conid    int64  `yaml:"conid"`
	Symbol   string `yaml:"symbol"`
	Exchange string `yaml:"exchange"`
}

// Config holds everything the binaries need. The same file is passed to all
// three executables.
type Config struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Secret     string `yaml:"secret"`      // session-storage encryption secret
	TOTPSecret string `yaml:"totp_secret"` // optional second factor for full relogin
	Paper      bool   `yaml:"paper"`

	Redis       RedisConfig        `yaml:"redis"`
	Instruments []InstrumentConfig `yaml:"instruments"`

	DashboardCSVPath string `yaml:"dashboard_csv_path"`
	JournalPath      string `yaml:"journal_path"` // optional sqlite reconciliation journal
	MetricsAddr      string `yaml:"metrics_addr"` // optional, e.g. ":9090"; empty disables
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required")
	}
	if c.Redis.Port <= 0 {
		return fmt.Errorf("redis.port is required")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments list is empty")
	}
	for i, in := range c.Instruments {
		if in.Conid <= 0 {
			return fmt.Errorf("instruments[%d]: conid must be positive", i)
		}
		if in.Symbol == "" {
			return fmt.Errorf("instruments[%d]: symbol is required", i)
		}
		if _, ok := CalendarCodes[in.Exchange]; !ok {
			return fmt.Errorf("instruments[%d]: unknown exchange %q", i, in.Exchange)
		}
	}
	return nil
}

// InstrumentList converts the configured instruments to model values.
func (c *Config) InstrumentList() []model.Instrument {
	out := make([]model.Instrument, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		out = append(out, model.Instrument{
			Conid:    in.Conid,
			Symbol:   in.Symbol,
			Exchange: in.Exchange,
		})
	}
	return out
}
