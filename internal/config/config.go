package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Redis  RedisConfig
	Server ServerConfig
	Auth   AuthConfig
	Chains []ChainConfig
	Chain  ChainConfig // single-chain env shortcut, folded into Chains
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port               int   `mapstructure:"port"`
	RegistryTimeoutSec int64 `mapstructure:"registry_timeout_sec"`
}

type AuthConfig struct {
	AdminAddresses []string `mapstructure:"admin_addresses"`
}

// ChainConfig describes one supported chain: its RPC endpoint and the two
// contracts the engine reads.
type ChainConfig struct {
	ChainID          int64  `mapstructure:"chain_id"`
	RPCURL           string `mapstructure:"rpc_url"`
	MerchantRegistry string `mapstructure:"merchant_registry"`
	VoucherToken     string `mapstructure:"voucher_token"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.registry_timeout_sec", 10)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional); multi-chain deployments list chains here.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings; the chain.* set configures a single chain
	// without a config file.
	bindings := map[string]string{
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"server.port":                 "PORT",
		"server.registry_timeout_sec": "REGISTRY_TIMEOUT_SEC",
		"auth.admin_addresses":        "ADMIN_ADDRESSES",
		"chain.chain_id":              "CHAIN_ID",
		"chain.rpc_url":               "RPC_URL",
		"chain.merchant_registry":     "MERCHANT_REGISTRY",
		"chain.voucher_token":         "VOUCHER_TOKEN",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// ADMIN_ADDRESSES arrives as one comma-separated value through env.
	// Viper may have already split it on commas without trimming, so
	// normalize the final slice either way.
	cfg.Auth.AdminAddresses = splitTrim(strings.Join(cfg.Auth.AdminAddresses, ","))

	if cfg.Chain.ChainID != 0 {
		cfg.Chains = append(cfg.Chains, cfg.Chain)
	}

	return cfg, cfg.validate()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured: set CHAIN_ID or a chains list in config.yaml")
	}
	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID <= 0 {
			return fmt.Errorf("chain entry missing chain_id")
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("chain %d configured twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: missing rpc_url", ch.ChainID)
		}
		if !common.IsHexAddress(ch.MerchantRegistry) {
			return fmt.Errorf("chain %d: invalid merchant_registry address", ch.ChainID)
		}
		if !common.IsHexAddress(ch.VoucherToken) {
			return fmt.Errorf("chain %d: invalid voucher_token address", ch.ChainID)
		}
	}
	for _, addr := range c.Auth.AdminAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid admin address: %s", addr)
		}
	}
	return nil
}
