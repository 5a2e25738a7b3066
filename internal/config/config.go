package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// DefaultMintURL is used when CASHU_MINT_URL is not set.
const DefaultMintURL = "https://mint.minibits.cash/Bitcoin"

type Config struct {
	Debug bool `env:"DEBUG" envDefault:"false"`

	Server struct {
		Port   int    `env:"PORT" envDefault:"8080"`
		Origin string `env:"ORIGIN" envDefault:"http://localhost:5173"`
	}

	Redis struct {
		Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		Password string `env:"REDIS_PASSWORD" envDefault:""`
		DB       int    `env:"REDIS_DB" envDefault:"0"`
	}

	Wallet struct {
		// BIP39 mnemonic the secret derivation seed is built from.
		Mnemonic string `env:"WALLET_MNEMONIC"`

		MintURL      string   `env:"CASHU_MINT_URL" envDefault:"https://mint.minibits.cash/Bitcoin"`
		TrustedMints []string `env:"TRUSTED_MINTS" envSeparator:","`

		// Timeout for a single mint round-trip.
		MintTimeoutSeconds int `env:"MINT_TIMEOUT_SECONDS" envDefault:"30"`
	}

	Payout struct {
		LightningAddress string `env:"PAYOUT_LN_ADDRESS" envDefault:""`
		ThresholdSats    uint64 `env:"PAYOUT_THRESHOLD_SATS" envDefault:"1000"`
		IntervalSeconds  int    `env:"PAYOUT_INTERVAL_SECONDS" envDefault:"300"`
	}

	Admin struct {
		// Hex pubkeys or npubs allowed to call the admin API.
		Npubs []string `env:"ADMIN_NPUBS" envSeparator:","`
	}
}

func Load() (*Config, error) {
	// .env is optional; in production the variables are set directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// TrustedMintSet returns the set of trusted mint URLs. The primary mint is
// always a member.
func (c *Config) TrustedMintSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Wallet.TrustedMints)+1)
	for _, m := range c.Wallet.TrustedMints {
		m = strings.TrimSpace(m)
		if m != "" {
			set[m] = struct{}{}
		}
	}
	set[c.Wallet.MintURL] = struct{}{}
	return set
}

// PayoutEnabled reports whether automatic Lightning payouts are configured.
func (c *Config) PayoutEnabled() bool {
	return c.Payout.LightningAddress != ""
}

// Validate checks the configuration required to serve payment-gated
// operations. It returns every problem found, not just the first.
func (c *Config) Validate() []string {
	var errs []string

	mnemonic := strings.TrimSpace(c.Wallet.Mnemonic)
	if mnemonic == "" {
		errs = append(errs, "WALLET_MNEMONIC environment variable is required")
	} else if n := len(strings.Fields(mnemonic)); n != 12 && n != 24 {
		errs = append(errs, fmt.Sprintf("WALLET_MNEMONIC should be 12 or 24 words, got %d", n))
	}

	if c.Wallet.MintURL == "" {
		errs = append(errs, "CASHU_MINT_URL must not be empty")
	}

	if addr := c.Payout.LightningAddress; addr != "" {
		if !strings.Contains(addr, "@") || len(strings.Split(addr, "@")) != 2 {
			errs = append(errs, "PAYOUT_LN_ADDRESS must be a valid Lightning address (user@domain.com)")
		}
	}

	return errs
}
