package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

// Validate checks the loaded configuration for values the daemon cannot run
// with. It is separate from Load so tooling can inspect invalid files.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.ListenAddress) == "" {
		return fmt.Errorf("service: ListenAddress must be set")
	}
	switch storage.Backend(c.Storage.Backend) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if _, err := c.PoolAddress(); err != nil {
		return err
	}
	if _, err := c.AddonTreasury(); err != nil {
		return err
	}
	if _, err := ParseAmount(c.CreditLine.MaxExposure); err != nil {
		return fmt.Errorf("creditline: MaxExposure: %w", err)
	}
	return nil
}

// ParseAmount parses a non-negative base-unit amount from decimal notation.
// The empty string means zero.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func decodeAddressField(field, value string, required bool) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return crypto.Address{}, fmt.Errorf("ledger: %s must be set", field)
		}
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("ledger: %s: %w", field, err)
	}
	return addr, nil
}

// MaxExposureAmount parses the exposure cap for the credit-line policy.
func (c *Config) MaxExposureAmount() (*big.Int, error) {
	amount, err := ParseAmount(c.CreditLine.MaxExposure)
	if err != nil {
		return nil, fmt.Errorf("creditline: MaxExposure: %w", err)
	}
	return amount, nil
}
