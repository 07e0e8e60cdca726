package config

// Package config provides a reusable loader for LOS node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"los-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// ChainMode names the chain mode a config selects. Load only checks that
// chain_mode is one of the three values below (or empty). No build tag
// exists for it and nothing outside this package reads it, so no mode
// changes any signature or PoW check.
type ChainMode string

const (
	ChainModeFunctional ChainMode = "functional"
	ChainModeConsensus  ChainMode = "consensus"
	ChainModeProduction ChainMode = "production"
)

// Config represents the unified configuration for a LOS node.
type Config struct {
	Network struct {
		ID              string   `mapstructure:"id" json:"id"`
		ChainID         uint64   `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers        int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile     string   `mapstructure:"genesis_file" json:"genesis_file"`
		RESTPort        int      `mapstructure:"rest_port" json:"rest_port"`
		P2PPort         int      `mapstructure:"p2p_port" json:"p2p_port"`
		ListenAddr      string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag    string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		TorSocksProxy   string   `mapstructure:"tor_socks_proxy" json:"tor_socks_proxy"`
		BindAll         bool     `mapstructure:"bind_all" json:"bind_all"`
	} `mapstructure:"network" json:"network"`

	Ledger struct {
		DataDir       string `mapstructure:"data_dir" json:"data_dir"`
		ChainID       uint64 `mapstructure:"chain_id" json:"chain_id"`
		DifficultyBits int   `mapstructure:"difficulty_bits" json:"difficulty_bits"`
	} `mapstructure:"ledger" json:"ledger"`

	Consensus struct {
		BaseTimeoutMS      int     `mapstructure:"base_timeout_ms" json:"base_timeout_ms"`
		MaxTimeoutMS       int     `mapstructure:"max_timeout_ms" json:"max_timeout_ms"`
		BackoffMultiplier  int     `mapstructure:"backoff_multiplier" json:"backoff_multiplier"`
		ValidatorsRequired int     `mapstructure:"validators_required" json:"validators_required"`
	} `mapstructure:"consensus" json:"consensus"`

	Mint struct {
		EpochLengthSeconds int    `mapstructure:"epoch_length_seconds" json:"epoch_length_seconds"`
		HalvingPeriod      uint64 `mapstructure:"halving_period" json:"halving_period"`
		BaseRewardTokens   int64  `mapstructure:"base_reward_tokens" json:"base_reward_tokens"`
		MinDifficultyBits  int    `mapstructure:"min_difficulty_bits" json:"min_difficulty_bits"`
		MaxDifficultyBits  int    `mapstructure:"max_difficulty_bits" json:"max_difficulty_bits"`
		TargetMiners       int    `mapstructure:"target_miners" json:"target_miners"`
	} `mapstructure:"mint" json:"mint"`

	Rewards struct {
		MinRegistrationTokens int64  `mapstructure:"min_registration_tokens" json:"min_registration_tokens"`
		MinEligibilityTokens  int64  `mapstructure:"min_eligibility_tokens" json:"min_eligibility_tokens"`
		HalvingPeriod         uint64 `mapstructure:"halving_period" json:"halving_period"`
		BaseBudgetTokens      int64  `mapstructure:"base_budget_tokens" json:"base_budget_tokens"`
		MinUptimeBps          int    `mapstructure:"min_uptime_bps" json:"min_uptime_bps"`
	} `mapstructure:"rewards" json:"rewards"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
		Prune  bool   `mapstructure:"prune" json:"prune"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	ChainMode string `mapstructure:"chain_mode" json:"chain_mode"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
// A local .env file, if present, is loaded first so its values are visible
// to viper.AutomaticEnv() below.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if err := validateChainMode(&AppConfig); err != nil {
		return nil, err
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LOS_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LOS_ENV", ""))
}

// validateChainMode rejects a chain_mode string that is not one of the
// three known modes; an empty value is accepted.
func validateChainMode(cfg *Config) error {
	switch ChainMode(cfg.ChainMode) {
	case ChainModeFunctional, ChainModeConsensus, ChainModeProduction, "":
		return nil
	default:
		return fmt.Errorf("config: unknown chain_mode %q", cfg.ChainMode)
	}
}
