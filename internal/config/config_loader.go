package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dappnode/validator-launcher/internal/logger"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Network           string `yaml:"network"`
	BeaconEndpoint    string `yaml:"beacon_endpoint"`
	ExecutionEndpoint string `yaml:"execution_endpoint"`
	JWTSecretPath     string `yaml:"jwt_secret_path"`

	ValidatorBinary string `yaml:"validator_binary"`
	KeystoreDir     string `yaml:"keystore_dir"`
	FeeRecipient    string `yaml:"fee_recipient"`
	Graffiti        string `yaml:"graffiti"`
	ValidatorLog    string `yaml:"validator_log_level"`

	APIListenAddr string `yaml:"api_listen_addr"`
	JournalDBPath string `yaml:"journal_db_path"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	ReadyThreshold    int           `yaml:"ready_threshold"`
	WatcherBackoffCap time.Duration `yaml:"watcher_backoff_cap"`
	LaunchBackoffBase time.Duration `yaml:"launch_backoff_base"`
	LaunchBackoffCap  time.Duration `yaml:"launch_backoff_cap"`
	RetryCeiling      int           `yaml:"retry_ceiling"`
	GracePeriod       time.Duration `yaml:"grace_period"`

	KeymanagerURL       string `yaml:"keymanager_url"`
	KeymanagerTokenFile string `yaml:"keymanager_token_file"`

	NotifierURL          string `yaml:"notifier_url"`
	NotificationsEnabled bool   `yaml:"notifications_enabled"`
}

var knownNetworks = map[string]bool{
	"mainnet": true,
	"holesky": true,
	"hoodi":   true,
	"gnosis":  true,
	"lukso":   true,
}

// LoadConfig builds the configuration from defaults, an optional YAML
// file pointed to by CONFIG_FILE, and environment variable overrides,
// in that order. Invalid configuration is fatal: the controller refuses
// to start rather than run with a surprise setup.
func LoadConfig() Config {
	cfg := Config{
		Network:           "hoodi",
		ValidatorLog:      "info",
		APIListenAddr:     ":8080",
		JournalDBPath:     "launcher.db",
		PollInterval:      6 * time.Second,
		ReadyThreshold:    3,
		WatcherBackoffCap: 30 * time.Second,
		LaunchBackoffBase: 1 * time.Second,
		LaunchBackoffCap:  30 * time.Second,
		RetryCeiling:      3,
		GracePeriod:       10 * time.Second,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal("Failed to read config file %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			logger.Fatal("Failed to parse config file %s: %v", path, err)
		}
	}

	applyEnv(&cfg)

	cfg.Network = strings.ToLower(cfg.Network)
	if !knownNetworks[cfg.Network] {
		logger.Fatal("Unknown network: %s", cfg.Network)
	}

	// Build the dynamic beacon endpoint unless explicitly configured.
	if cfg.BeaconEndpoint == "" {
		cfg.BeaconEndpoint = fmt.Sprintf("http://beacon-chain.%s.dncore.dappnode:3500", cfg.Network)
	}

	if err := validate(cfg); err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	envString("NETWORK", &cfg.Network)
	envString("BEACON_ENDPOINT", &cfg.BeaconEndpoint)
	envString("EXECUTION_ENDPOINT", &cfg.ExecutionEndpoint)
	envString("JWT_SECRET_PATH", &cfg.JWTSecretPath)
	envString("VALIDATOR_BINARY", &cfg.ValidatorBinary)
	envString("KEYSTORE_DIR", &cfg.KeystoreDir)
	envString("FEE_RECIPIENT", &cfg.FeeRecipient)
	envString("GRAFFITI", &cfg.Graffiti)
	envString("VALIDATOR_LOG_LEVEL", &cfg.ValidatorLog)
	envString("API_LISTEN_ADDR", &cfg.APIListenAddr)
	envString("JOURNAL_DB_PATH", &cfg.JournalDBPath)
	envDuration("POLL_INTERVAL", &cfg.PollInterval)
	envInt("READY_THRESHOLD", &cfg.ReadyThreshold)
	envDuration("WATCHER_BACKOFF_CAP", &cfg.WatcherBackoffCap)
	envDuration("LAUNCH_BACKOFF_BASE", &cfg.LaunchBackoffBase)
	envDuration("LAUNCH_BACKOFF_CAP", &cfg.LaunchBackoffCap)
	envInt("RETRY_CEILING", &cfg.RetryCeiling)
	envDuration("GRACE_PERIOD", &cfg.GracePeriod)
	envString("KEYMANAGER_URL", &cfg.KeymanagerURL)
	envString("KEYMANAGER_TOKEN_FILE", &cfg.KeymanagerTokenFile)
	envString("NOTIFIER_URL", &cfg.NotifierURL)
	envBool("NOTIFICATIONS_ENABLED", &cfg.NotificationsEnabled)
}

func validate(cfg Config) error {
	if cfg.ValidatorBinary == "" {
		return fmt.Errorf("VALIDATOR_BINARY is required")
	}
	if cfg.KeystoreDir == "" {
		return fmt.Errorf("KEYSTORE_DIR is required")
	}
	if cfg.FeeRecipient != "" {
		if err := checkEthAddress(cfg.FeeRecipient); err != nil {
			return fmt.Errorf("fee recipient: %w", err)
		}
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.ReadyThreshold < 1 {
		return fmt.Errorf("ready threshold must be at least 1, got %d", cfg.ReadyThreshold)
	}
	if cfg.RetryCeiling < 1 {
		return fmt.Errorf("retry ceiling must be at least 1, got %d", cfg.RetryCeiling)
	}
	if cfg.LaunchBackoffBase <= 0 || cfg.LaunchBackoffCap < cfg.LaunchBackoffBase {
		return fmt.Errorf("launch backoff bounds are inconsistent: base=%s cap=%s", cfg.LaunchBackoffBase, cfg.LaunchBackoffCap)
	}
	if cfg.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", cfg.GracePeriod)
	}
	if cfg.ExecutionEndpoint != "" && cfg.JWTSecretPath == "" {
		return fmt.Errorf("JWT_SECRET_PATH is required when EXECUTION_ENDPOINT is set")
	}
	return nil
}

func checkEthAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("must be 0x followed by 40 hex chars, got %q", addr)
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		return fmt.Errorf("not valid hex: %q", addr)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			logger.Fatal("Invalid boolean for %s: %q", key, v)
		}
		*dst = parsed
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			logger.Fatal("Invalid integer for %s: %q", key, v)
		}
		*dst = parsed
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			logger.Fatal("Invalid duration for %s: %q", key, v)
		}
		*dst = parsed
	}
}
