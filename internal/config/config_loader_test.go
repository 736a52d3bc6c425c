package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VALIDATOR_BINARY", "/usr/local/bin/lighthouse")
	t.Setenv("KEYSTORE_DIR", t.TempDir())
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg := LoadConfig()
	if cfg.Network != "hoodi" {
		t.Errorf("expected default network hoodi, got %s", cfg.Network)
	}
	if cfg.BeaconEndpoint != "http://beacon-chain.hoodi.dncore.dappnode:3500" {
		t.Errorf("beacon endpoint not derived from network: %s", cfg.BeaconEndpoint)
	}
	if cfg.PollInterval != 6*time.Second {
		t.Errorf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.ReadyThreshold != 3 || cfg.RetryCeiling != 3 {
		t.Errorf("unexpected thresholds %d/%d", cfg.ReadyThreshold, cfg.RetryCeiling)
	}
	if cfg.APIListenAddr != ":8080" {
		t.Errorf("unexpected listen addr %s", cfg.APIListenAddr)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NETWORK", "MAINNET")
	t.Setenv("BEACON_ENDPOINT", "http://localhost:3500")
	t.Setenv("POLL_INTERVAL", "12s")
	t.Setenv("RETRY_CEILING", "5")
	t.Setenv("NOTIFICATIONS_ENABLED", "true")

	cfg := LoadConfig()
	if cfg.Network != "mainnet" {
		t.Errorf("network not normalized to lowercase: %s", cfg.Network)
	}
	if cfg.BeaconEndpoint != "http://localhost:3500" {
		t.Errorf("explicit beacon endpoint overridden: %s", cfg.BeaconEndpoint)
	}
	if cfg.PollInterval != 12*time.Second {
		t.Errorf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.RetryCeiling != 5 {
		t.Errorf("unexpected retry ceiling %d", cfg.RetryCeiling)
	}
	if !cfg.NotificationsEnabled {
		t.Error("notifications should be enabled")
	}
}

func TestLoadConfigYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "launcher.yml")
	yaml := strings.Join([]string{
		"network: gnosis",
		"api_listen_addr: \":9090\"",
		"graffiti: dappnode",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg := LoadConfig()
	if cfg.Network != "gnosis" {
		t.Errorf("yaml network not applied: %s", cfg.Network)
	}
	if cfg.APIListenAddr != ":9090" {
		t.Errorf("yaml listen addr not applied: %s", cfg.APIListenAddr)
	}
	if cfg.Graffiti != "dappnode" {
		t.Errorf("yaml graffiti not applied: %s", cfg.Graffiti)
	}
}

func TestLoadConfigEnvBeatsYAML(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "launcher.yml")
	if err := os.WriteFile(path, []byte("network: gnosis\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("NETWORK", "lukso")

	cfg := LoadConfig()
	if cfg.Network != "lukso" {
		t.Errorf("environment should override the file, got %s", cfg.Network)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		ValidatorBinary:   "/bin/lighthouse",
		KeystoreDir:       "/data",
		PollInterval:      6 * time.Second,
		ReadyThreshold:    3,
		RetryCeiling:      3,
		LaunchBackoffBase: time.Second,
		LaunchBackoffCap:  30 * time.Second,
		GracePeriod:       10 * time.Second,
	}
	if err := validate(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing binary":           func(c *Config) { c.ValidatorBinary = "" },
		"missing keystore dir":     func(c *Config) { c.KeystoreDir = "" },
		"bad fee recipient":        func(c *Config) { c.FeeRecipient = "not-an-address" },
		"zero poll interval":       func(c *Config) { c.PollInterval = 0 },
		"zero ready threshold":     func(c *Config) { c.ReadyThreshold = 0 },
		"zero retry ceiling":       func(c *Config) { c.RetryCeiling = 0 },
		"cap below base":           func(c *Config) { c.LaunchBackoffCap = time.Millisecond },
		"zero grace period":        func(c *Config) { c.GracePeriod = 0 },
		"execution without secret": func(c *Config) { c.ExecutionEndpoint = "http://localhost:8551" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestCheckEthAddress(t *testing.T) {
	if err := checkEthAddress("0x388C818CA8B9251b393131C08a736A67ccB19297"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	for _, addr := range []string{
		"388C818CA8B9251b393131C08a736A67ccB19297",
		"0x388C818CA8B9251b393131C08a736A67ccB192",
		"0xzz8C818CA8B9251b393131C08a736A67ccB19297",
	} {
		if err := checkEthAddress(addr); err == nil {
			t.Errorf("invalid address accepted: %s", addr)
		}
	}
}
