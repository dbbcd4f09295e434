package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Config represents a tenant's config.toml.
type Config struct {
	DefaultTenant string `toml:"default_tenant"`

	Ledger   Ledger   `toml:"ledger"`
	Poll     Poll     `toml:"poll"`
	Delivery Delivery `toml:"delivery"`
	Payment  Payment  `toml:"payment"`
	Feed     Feed     `toml:"feed"`
}

// Ledger holds billing parameters. Amounts are decimal strings so that
// currency arithmetic never passes through floats.
type Ledger struct {
	CostPerMessage       string `toml:"cost_per_message"`
	MinimumSendThreshold string `toml:"minimum_send_threshold"`
	MinimumRecharge      string `toml:"minimum_recharge"`
	InitialBalance       string `toml:"initial_balance"`
}

// Poll configures the polling reconciler.
type Poll struct {
	IntervalSeconds int `toml:"interval_seconds"`
	WindowHours     int `toml:"window_hours"`
}

// Delivery configures the SMS gateway client.
type Delivery struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Payment configures the payment confirmation client.
type Payment struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Feed configures the AMQP change-feed subscription. Each binding is one
// logical message collection (e.g. "messages.member", "messages.visitor").
type Feed struct {
	URL      string   `toml:"url"`
	Exchange string   `toml:"exchange"`
	Queue    string   `toml:"queue"`
	Bindings []string `toml:"bindings"`
}

// Default returns a config with every tunable set to its shipped value.
func Default() *Config {
	return &Config{
		Ledger: Ledger{
			CostPerMessage:       "0.0225",
			MinimumSendThreshold: "5.00",
			MinimumRecharge:      "10.00",
			InitialBalance:       "0",
		},
		Poll: Poll{
			IntervalSeconds: 30,
			WindowHours:     24,
		},
		Delivery: Delivery{
			TimeoutSeconds: 15,
		},
		Payment: Payment{
			TimeoutSeconds: 15,
		},
		Feed: Feed{
			Exchange: "smsync",
			Bindings: []string{"messages.member", "messages.visitor"},
		},
	}
}

// Load reads config from the given path, applying defaults for anything
// the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks that every decimal field parses and every interval is
// positive.
func (c *Config) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"ledger.cost_per_message", c.Ledger.CostPerMessage},
		{"ledger.minimum_send_threshold", c.Ledger.MinimumSendThreshold},
		{"ledger.minimum_recharge", c.Ledger.MinimumRecharge},
		{"ledger.initial_balance", c.Ledger.InitialBalance},
	} {
		if _, err := decimal.NewFromString(f.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.val, err)
		}
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be positive, got %d", c.Poll.IntervalSeconds)
	}
	if c.Delivery.TimeoutSeconds <= 0 {
		return fmt.Errorf("delivery.timeout_seconds must be positive, got %d", c.Delivery.TimeoutSeconds)
	}
	return nil
}

// CostPerMessage returns the parsed per-message cost. Call Validate first.
func (c *Config) CostPerMessage() decimal.Decimal {
	return mustDecimal(c.Ledger.CostPerMessage)
}

// MinimumSendThreshold returns the parsed send floor.
func (c *Config) MinimumSendThreshold() decimal.Decimal {
	return mustDecimal(c.Ledger.MinimumSendThreshold)
}

// MinimumRecharge returns the parsed recharge floor.
func (c *Config) MinimumRecharge() decimal.Decimal {
	return mustDecimal(c.Ledger.MinimumRecharge)
}

// InitialBalance returns the parsed first-use provisioning balance.
func (c *Config) InitialBalance() decimal.Decimal {
	return mustDecimal(c.Ledger.InitialBalance)
}

// PollInterval returns the reconciler tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// PollWindow returns how far back each poll looks.
func (c *Config) PollWindow() time.Duration {
	return time.Duration(c.Poll.WindowHours) * time.Hour
}

// DeliveryTimeout returns the per-send gateway call timeout.
func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.Delivery.TimeoutSeconds) * time.Second
}

// PaymentTimeout returns the payment confirmation call timeout.
func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Payment.TimeoutSeconds) * time.Second
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("config decimal %q not validated: %v", s, err))
	}
	return d
}
