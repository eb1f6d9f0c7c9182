package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zkVerify/zkVerify-qa/internal/common"
	"github.com/zkVerify/zkVerify-qa/internal/logging"
)

// ErrConfiguration is returned when a required setting is missing or unusable
var ErrConfiguration = errors.New("configuration error")

// Environment variable names understood by the harness
const (
	EnvWebSocket          = "WEBSOCKET"
	EnvPrivateKey         = "PRIVATE_KEY"
	EnvAnvil              = "ANVIL"
	EnvContract           = "ZKV_CONTRACT"
	EnvDataFolder         = "DATA_FOLDER"
	EnvFundedAccountsFile = "FUNDED_ACCOUNTS_FILE"
	EnvFundingSeedPhrase  = "FUNDING_SEED_PHRASE"
	EnvLocalNode          = "LOCAL_NODE"
	EnvWalletServer       = "WALLET_SERVER"
	EnvRedisURL           = "REDIS_URL"

	// SeedPhrasePrefix prefixes the numbered SEED_PHRASE_<n> variables
	SeedPhrasePrefix = "SEED_PHRASE_"

	// Placeholder is the value shipped in the sample .env
	Placeholder = "INSERT_SEED_PHRASE"
)

// envBindings maps viper keys to environment variables
var envBindings = map[string]string{
	"chain.websocket":              EnvWebSocket,
	"chain.local_node":             EnvLocalNode,
	"accounts.private_key":         EnvPrivateKey,
	"accounts.funding_seed_phrase": EnvFundingSeedPhrase,
	"accounts.funded_file":         EnvFundedAccountsFile,
	"ethereum.rpc_url":             EnvAnvil,
	"ethereum.contract":            EnvContract,
	"proofs.data_folder":           EnvDataFolder,
	"wallet_pool.server_url":       EnvWalletServer,
	"wallet_pool.redis_url":        EnvRedisURL,
}

// Config is the complete harness configuration
type Config struct {
	Logging    logging.LogConfig `mapstructure:"logging" yaml:"logging"`
	Chain      ChainConfig       `mapstructure:"chain" yaml:"chain"`
	Accounts   AccountsConfig    `mapstructure:"accounts" yaml:"accounts"`
	Ethereum   EthereumConfig    `mapstructure:"ethereum" yaml:"ethereum"`
	Proofs     ProofsConfig      `mapstructure:"proofs" yaml:"proofs"`
	WalletPool WalletPoolConfig  `mapstructure:"wallet_pool" yaml:"wallet_pool"`
	Timeouts   TimeoutsConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	Traffic    TrafficConfig     `mapstructure:"traffic" yaml:"traffic"`
	Funding    FundingConfig     `mapstructure:"funding" yaml:"funding"`
}

// ChainConfig holds the node connection settings
type ChainConfig struct {
	WebSocket string `mapstructure:"websocket" yaml:"websocket"`
	LocalNode bool   `mapstructure:"local_node" yaml:"local_node"`
}

// AccountsConfig holds signing material
type AccountsConfig struct {
	PrivateKey        string `mapstructure:"private_key" yaml:"private_key"`
	FundingSeedPhrase string `mapstructure:"funding_seed_phrase" yaml:"funding_seed_phrase"`
	FundedFile        string `mapstructure:"funded_file" yaml:"funded_file"`

	// SeedPhrases is keyed by variable name, e.g. SEED_PHRASE_1
	SeedPhrases map[string]string `mapstructure:"seed_phrases" yaml:"seed_phrases"`
}

// EthereumConfig holds the settlement contract endpoint
type EthereumConfig struct {
	RPCURL   string `mapstructure:"rpc_url" yaml:"rpc_url"`
	Contract string `mapstructure:"contract" yaml:"contract"`
}

// ProofsConfig locates proof fixtures
type ProofsConfig struct {
	DataFolder string `mapstructure:"data_folder" yaml:"data_folder"`
}

// WalletPoolConfig configures the wallet pool service and its clients
type WalletPoolConfig struct {
	ServerURL  string `mapstructure:"server_url" yaml:"server_url"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	RedisURL   string `mapstructure:"redis_url" yaml:"redis_url"`
}

// TimeoutsConfig holds every timer used by the submission pipeline
type TimeoutsConfig struct {
	Connect             time.Duration `mapstructure:"connect" yaml:"connect"`
	Finalization        time.Duration `mapstructure:"finalization" yaml:"finalization"`
	Progress            time.Duration `mapstructure:"progress" yaml:"progress"`
	AttestationWait     time.Duration `mapstructure:"attestation_wait" yaml:"attestation_wait"`
	AttestationProgress time.Duration `mapstructure:"attestation_progress" yaml:"attestation_progress"`
	EthereumPoll        time.Duration `mapstructure:"ethereum_poll" yaml:"ethereum_poll"`
	EthereumPollTimeout time.Duration `mapstructure:"ethereum_poll_timeout" yaml:"ethereum_poll_timeout"`
	WalletLease         time.Duration `mapstructure:"wallet_lease" yaml:"wallet_lease"`
}

// TrafficConfig configures the traffic generator
type TrafficConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	Duration        time.Duration `mapstructure:"duration" yaml:"duration"`
	Kinds           []string      `mapstructure:"kinds" yaml:"kinds"`
	SkipAttestation bool          `mapstructure:"skip_attestation" yaml:"skip_attestation"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	// Retries resubmits a proof whose failure is retryable
	Retries int `mapstructure:"retries" yaml:"retries"`
}

// FundingConfig configures bulk account funding
type FundingConfig struct {
	Accounts      int           `mapstructure:"accounts" yaml:"accounts"`
	Intermediates int           `mapstructure:"intermediates" yaml:"intermediates"`
	Amount        string        `mapstructure:"amount" yaml:"amount"`
	MaxParallel   int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	BatchPause    time.Duration `mapstructure:"batch_pause" yaml:"batch_pause"`
}

// Load reads the optional .env file, the optional YAML config file and the environment
func Load(envFile, configPath string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper lowercases map keys read from the file
	phrases := make(map[string]string, len(cfg.Accounts.SeedPhrases))
	for key, phrase := range cfg.Accounts.SeedPhrases {
		phrases[strings.ToUpper(key)] = phrase
	}
	cfg.Accounts.SeedPhrases = phrases
	for key, phrase := range seedPhrasesFromEnv() {
		cfg.Accounts.SeedPhrases[key] = phrase
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults are static and always decode
	_ = v.Unmarshal(&cfg)
	cfg.Accounts.SeedPhrases = make(map[string]string)
	return &cfg
}

// WriteDefault writes the default configuration as YAML
func WriteDefault(path string) error {
	cfg := Default()
	cfg.Logging.ModuleLevels = map[string]string{}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults sets default values
func setDefaults(v *viper.Viper) {
	log := logging.DefaultLogConfig()
	v.SetDefault("logging.output_path", log.OutputPath)
	v.SetDefault("logging.level", log.Level)
	v.SetDefault("logging.encoding", log.Encoding)
	v.SetDefault("logging.max_size_mb", log.MaxSizeMB)
	v.SetDefault("logging.max_backups", log.MaxBackups)
	v.SetDefault("logging.max_age_days", log.MaxAgeDays)
	v.SetDefault("logging.compress", log.Compress)

	v.SetDefault("chain.local_node", false)

	v.SetDefault("accounts.funded_file", "funded_accounts.json")

	v.SetDefault("proofs.data_folder", "./data")

	v.SetDefault("wallet_pool.server_url", "http://localhost:3001")
	v.SetDefault("wallet_pool.listen_addr", ":3001")

	v.SetDefault("timeouts.connect", "3s")
	v.SetDefault("timeouts.finalization", "60s")
	v.SetDefault("timeouts.progress", "5s")
	v.SetDefault("timeouts.attestation_wait", "360s")
	v.SetDefault("timeouts.attestation_progress", "15s")
	v.SetDefault("timeouts.ethereum_poll", "3s")
	v.SetDefault("timeouts.ethereum_poll_timeout", "60s")
	v.SetDefault("timeouts.wallet_lease", "120s")

	v.SetDefault("traffic.interval", "5s")
	v.SetDefault("traffic.duration", "60s")
	v.SetDefault("traffic.kinds", []string{"fflonk", "groth16", "risc0", "ultraplonk", "proofofsql"})
	v.SetDefault("traffic.rate_per_second", 1.0)
	v.SetDefault("traffic.retries", 0)

	v.SetDefault("funding.accounts", 100)
	v.SetDefault("funding.intermediates", 5)
	v.SetDefault("funding.amount", "1000000000000000000")
	v.SetDefault("funding.max_parallel", 10)
	v.SetDefault("funding.batch_pause", "500ms")
}

// validate checks values that have no sensible fallback
func validate(cfg *Config) error {
	var errs common.MultiError

	t := cfg.Timeouts
	durations := map[string]time.Duration{
		"timeouts.connect":               t.Connect,
		"timeouts.finalization":          t.Finalization,
		"timeouts.progress":              t.Progress,
		"timeouts.attestation_wait":      t.AttestationWait,
		"timeouts.attestation_progress":  t.AttestationProgress,
		"timeouts.ethereum_poll":         t.EthereumPoll,
		"timeouts.ethereum_poll_timeout": t.EthereumPollTimeout,
		"timeouts.wallet_lease":          t.WalletLease,
	}
	names := make([]string, 0, len(durations))
	for name := range durations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if d := durations[name]; d <= 0 {
			errs.Add(common.ValidationError{Field: name, Value: d, Message: "must be positive"})
		}
	}

	if cfg.Funding.MaxParallel < 1 {
		errs.Add(common.ValidationError{Field: "funding.max_parallel", Value: cfg.Funding.MaxParallel, Message: "must be at least 1"})
	}

	if cfg.Traffic.Interval <= 0 {
		errs.Add(common.ValidationError{Field: "traffic.interval", Value: cfg.Traffic.Interval, Message: "must be positive"})
	}
	if cfg.Traffic.Retries < 0 {
		errs.Add(common.ValidationError{Field: "traffic.retries", Value: cfg.Traffic.Retries, Message: "must not be negative"})
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// Require fails with ErrConfiguration holding one common.ValidationError per
// missing variable. A seed phrase or private key still set to the placeholder
// counts as missing.
func (c *Config) Require(keys ...string) error {
	var errs common.MultiError
	for _, key := range keys {
		value := strings.TrimSpace(c.Lookup(key))
		if value == "" || value == Placeholder {
			errs.Add(common.ValidationError{Field: key, Message: "required environment variable not set"})
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// Lookup returns the effective value of an environment variable name
func (c *Config) Lookup(key string) string {
	switch key {
	case EnvWebSocket:
		return c.Chain.WebSocket
	case EnvLocalNode:
		return strconv.FormatBool(c.Chain.LocalNode)
	case EnvPrivateKey:
		return c.Accounts.PrivateKey
	case EnvFundingSeedPhrase:
		return c.Accounts.FundingSeedPhrase
	case EnvFundedAccountsFile:
		return c.Accounts.FundedFile
	case EnvAnvil:
		return c.Ethereum.RPCURL
	case EnvContract:
		return c.Ethereum.Contract
	case EnvDataFolder:
		return c.Proofs.DataFolder
	case EnvWalletServer:
		return c.WalletPool.ServerURL
	case EnvRedisURL:
		return c.WalletPool.RedisURL
	}

	if strings.HasPrefix(key, SeedPhrasePrefix) {
		return c.Accounts.SeedPhrases[key]
	}
	return ""
}

// SeedPhraseKeys returns the configured SEED_PHRASE_<n> names in numeric order
func (c *Config) SeedPhraseKeys() []string {
	keys := make([]string, 0, len(c.Accounts.SeedPhrases))
	for key, phrase := range c.Accounts.SeedPhrases {
		if phrase == "" || phrase == Placeholder {
			continue
		}
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return seedIndex(keys[i]) < seedIndex(keys[j])
	})
	return keys
}

// SeedPhrase returns SEED_PHRASE_<n>
func (c *Config) SeedPhrase(n int) string {
	return c.Accounts.SeedPhrases[SeedPhrasePrefix+strconv.Itoa(n)]
}

func seedIndex(key string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(key, SeedPhrasePrefix))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func seedPhrasesFromEnv() map[string]string {
	phrases := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, SeedPhrasePrefix) {
			continue
		}
		phrases[key] = value
	}
	return phrases
}
