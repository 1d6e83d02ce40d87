package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-cashback/internal/domain/discount"
	"github.com/xenking/kart-cashback/internal/domain/order"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (CASHBACK_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"Probe server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CASHBACK_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Storage     string `default:"postgres" usage:"Storage driver: postgres or memory"`
	Database    DatabaseConfig
	Cashback    CashbackConfig
	Discount    DiscountConfig
	Delivery    DeliveryConfig
	Graceful    GracefulConfig
}

// DatabaseConfig tunes the PostgreSQL unit of work.
type DatabaseConfig struct {
	MaxRetries int           `default:"3"    usage:"Retries of a unit of work after a serialization failure" flag:"db-max-retries"`
	Backoff    time.Duration `default:"50ms" usage:"First delay between unit of work retries" flag:"db-backoff"`
}

// CashbackConfig controls earning and expiry.
type CashbackConfig struct {
	RatePercent   string        `default:"2"    usage:"Percent of the final price credited on delivery" flag:"cashback-rate"`
	ExpiryWindow  time.Duration `default:"720h" usage:"How long earned cashback stays spendable" flag:"cashback-expiry"`
	SweepInterval time.Duration `default:"1h"   usage:"Interval between expiry sweeps" flag:"sweep-interval"`
	SweepBatch    int           `default:"500"  usage:"Customers listed per sweep round trip" flag:"sweep-batch"`
}

// DiscountConfig caps discounts applied without manager rights.
type DiscountConfig struct {
	MaxNonManagerPercent string `default:"20" usage:"Largest discount share a non-manager may apply" flag:"discount-max-percent"`
}

// DeliveryConfig prices courier delivery.
type DeliveryConfig struct {
	Fee      string `default:"0" usage:"Flat courier delivery fee" flag:"delivery-fee"`
	FreeFrom string `default:"0" usage:"Gross total from which delivery is free, 0 disables" flag:"delivery-free-from"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CASHBACK",
		Files:     []string{"config.yaml", "/etc/cashback/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CASHBACK_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate checks the storage selection and parses every money setting.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set CASHBACK_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage %q", c.Storage)
	}
	if c.Cashback.SweepInterval <= 0 {
		return errors.Errorf("sweep interval must be positive, got %s", c.Cashback.SweepInterval)
	}
	_, err := c.OrderConfig()
	return err
}

// OrderConfig converts the pricing settings into order.Config.
func (c *Config) OrderConfig() (order.Config, error) {
	rate, err := parseAmount("cashback rate", c.Cashback.RatePercent)
	if err != nil {
		return order.Config{}, err
	}
	maxPercent, err := parseAmount("discount max percent", c.Discount.MaxNonManagerPercent)
	if err != nil {
		return order.Config{}, err
	}
	if maxPercent.GreaterThan(decimal.NewFromInt(100)) {
		return order.Config{}, errors.Errorf("discount max percent %s exceeds 100", maxPercent)
	}
	fee, err := parseAmount("delivery fee", c.Delivery.Fee)
	if err != nil {
		return order.Config{}, err
	}
	freeFrom, err := parseAmount("delivery free from", c.Delivery.FreeFrom)
	if err != nil {
		return order.Config{}, err
	}
	return order.Config{
		CashbackRatePercent: rate,
		Delivery:            order.DeliveryPolicy{Fee: fee, FreeFrom: freeFrom},
		Discounts:           discount.Policy{MaxPercent: maxPercent},
	}, nil
}

func parseAmount(name, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s", name)
	}
	if v.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative, got %s", name, s)
	}
	return v, nil
}
