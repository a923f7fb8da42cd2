package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Provider           ProviderConfig
	KeyBroker          KeyBrokerConfig
	Relay              RelayConfig
}

// ProviderConfig holds the provider daemon's own settings: where it
// listens for client requests, which chain/account backends to use, and
// the process-wide identity the orchestrator needs to act as originator
// and/or validator (spec.md §3 ProviderConfig: validator_accounts,
// signer_account, passwords).
type ProviderConfig struct {
	SocketPath      string `mapstructure:"socket_path"`
	AWSRegion       string `mapstructure:"aws_region"`
	KMSKeyID        string `mapstructure:"kms_key_id"`
	ValidatorCount  int    `mapstructure:"validator_count"`
	StaleAfterBlock uint64 `mapstructure:"stale_after_blocks"`

	// ValidatorAccounts are the local addresses this process is willing to
	// sign private state transitions for; empty means pure-relay mode
	// (spec.md §4.6 import_private_transaction step 1).
	ValidatorAccounts []string `mapstructure:"validator_accounts"`
	// SignerAccount pays for and signs the public setState/deployment
	// transaction. Required only on the originator path.
	SignerAccount string `mapstructure:"signer_account"`
	// Passwords are tried in order to unlock ValidatorAccounts/SignerAccount.
	Passwords []string `mapstructure:"passwords"`
}

// KeyBrokerConfig holds settings for talking to the external key server.
type KeyBrokerConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Threshold     int    `mapstructure:"threshold"`
	SessionTTLSec int    `mapstructure:"session_ttl_sec"`
}

// RelayConfig holds settings for the standalone relay process that
// forwards chain notifications to remote validators over WebSocket.
type RelayConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	PingInterval int    `mapstructure:"ping_interval_sec"`
}

// Load reads configuration from environment variables prefixed with
// PRIVATETX_ (e.g. PRIVATETX_PROVIDER_SOCKET_PATH).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRIVATETX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("provider.socket_path", "/var/run/privatetx/provider.sock")
	v.SetDefault("provider.aws_region", "us-east-1")
	v.SetDefault("provider.validator_count", 1)
	v.SetDefault("provider.stale_after_blocks", 64)
	v.SetDefault("provider.validator_accounts", "")
	v.SetDefault("provider.signer_account", "")
	v.SetDefault("provider.passwords", "")

	v.SetDefault("keybroker.base_url", "http://localhost:8645")
	v.SetDefault("keybroker.threshold", 1)
	v.SetDefault("keybroker.session_ttl_sec", 30)

	v.SetDefault("relay.listen_addr", ":8646")
	v.SetDefault("relay.ping_interval_sec", 30)

	cfg := &Config{
		Env:                v.GetString("env"),
		LocalStackEndpoint: v.GetString("localstack_endpoint"),
		Provider: ProviderConfig{
			SocketPath:        v.GetString("provider.socket_path"),
			AWSRegion:         v.GetString("provider.aws_region"),
			KMSKeyID:          v.GetString("provider.kms_key_id"),
			ValidatorCount:    v.GetInt("provider.validator_count"),
			StaleAfterBlock:   uint64(v.GetInt64("provider.stale_after_blocks")),
			ValidatorAccounts: splitNonEmpty(v.GetString("provider.validator_accounts")),
			SignerAccount:     v.GetString("provider.signer_account"),
			Passwords:         splitNonEmpty(v.GetString("provider.passwords")),
		},
		KeyBroker: KeyBrokerConfig{
			BaseURL:       v.GetString("keybroker.base_url"),
			Threshold:     v.GetInt("keybroker.threshold"),
			SessionTTLSec: v.GetInt("keybroker.session_ttl_sec"),
		},
		Relay: RelayConfig{
			ListenAddr:   v.GetString("relay.listen_addr"),
			PingInterval: v.GetInt("relay.ping_interval_sec"),
		},
	}

	return cfg, nil
}

// splitNonEmpty splits a comma-separated environment value into its
// trimmed, non-empty parts. Viper's AutomaticEnv never splits a scalar env
// var into a slice on its own, so list-shaped settings (validator
// addresses, unlock passwords) are carried as one comma-joined string.
func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
