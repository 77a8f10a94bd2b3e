package config

import (
	"github.com/cloudwalk/brlc-monorepo-sub002/crypto"
	"github.com/cloudwalk/brlc-monorepo-sub002/storage"
)

// Service groups the process-level settings of the ledger daemon.
type Service struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	LogFile        string `toml:"LogFile"`
	Environment    string `toml:"Environment"`
}

// Storage selects the key-value backend the ledger state persists through.
type Storage struct {
	Backend string `toml:"Backend"`
}

// Ledger carries the treasury wiring. Addresses are bech32 strings.
type Ledger struct {
	PoolAddress   string `toml:"PoolAddress"`
	AddonTreasury string `toml:"AddonTreasury"`
}

// CreditLine carries the borrower caps. MaxExposure is a base-unit amount in
// decimal notation; zero values disable the respective cap.
type CreditLine struct {
	MaxActiveLoans uint32 `toml:"MaxActiveLoans"`
	MaxExposure    string `toml:"MaxExposure"`
}

// RPC tunes the JSON-RPC transport guards. The bearer token itself always
// comes from the LEDGERD_RPC_TOKEN environment variable, never the file.
// Zero values fall back to the server defaults.
type RPC struct {
	TrustProxyHeaders  bool     `toml:"TrustProxyHeaders"`
	TrustedProxies     []string `toml:"TrustedProxies"`
	WriteRatePerSecond float64  `toml:"WriteRatePerSecond"`
	WriteBurst         int      `toml:"WriteBurst"`
	MaxRequestBytes    int64    `toml:"MaxRequestBytes"`
}

// Telemetry controls the OTLP exporters.
type Telemetry struct {
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	Insecure     bool   `toml:"Insecure"`
	Traces       bool   `toml:"Traces"`
	Metrics      bool   `toml:"Metrics"`
}

// Config bundles every section of the daemon configuration file.
type Config struct {
	Service    Service    `toml:"Service"`
	Storage    Storage    `toml:"Storage"`
	Ledger     Ledger     `toml:"Ledger"`
	CreditLine CreditLine `toml:"CreditLine"`
	RPC        RPC        `toml:"RPC"`
	Telemetry  Telemetry  `toml:"Telemetry"`
}

// StorageBackend returns the configured backend name in storage's type.
func (c *Config) StorageBackend() storage.Backend {
	return storage.Backend(c.Storage.Backend)
}

// PoolAddress decodes the configured liquidity pool account.
func (c *Config) PoolAddress() (crypto.Address, error) {
	return decodeAddressField("Ledger.PoolAddress", c.Ledger.PoolAddress, true)
}

// AddonTreasury decodes the configured addon treasury account. An empty
// setting yields the zero address, which disables addon financing.
func (c *Config) AddonTreasury() (crypto.Address, error) {
	return decodeAddressField("Ledger.AddonTreasury", c.Ledger.AddonTreasury, false)
}
