package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"relay-svc/relay/executor"

	"gopkg.in/yaml.v3"
)

const (
	ModePoll = "poll"
	ModePush = "push"

	// MinPollIntervalMs keeps a misconfigured relay from hammering the broker
	MinPollIntervalMs = 1000
)

// Config holds relay configuration. It is read from the YAML file named by
// RELAY_CONFIG, then overridden by RELAY_* environment variables.
type Config struct {
	BrokerURL string `yaml:"broker_url"`
	// Token is the relay token issued by POST /v1/assignments. TokenFile
	// is read when Token is empty.
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	RelayID   string `yaml:"relay_id"`

	Mode                   string `yaml:"mode"`
	PollIntervalMs         int    `yaml:"poll_interval_ms"`
	PollLimit              int    `yaml:"poll_limit"`
	WorkerCount            int    `yaml:"worker_count"`
	ChannelSize            int    `yaml:"channel_size"`
	PartialFlushIntervalMs int    `yaml:"partial_flush_interval_ms"`
	MaxOutputBytes         int    `yaml:"max_output_bytes"`

	SpoolPath            string `yaml:"spool_path"`
	SpoolRetryIntervalMs int    `yaml:"spool_retry_interval_ms"`

	WorkDir string    `yaml:"work_dir"`
	SSH     SSHConfig `yaml:"ssh"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SSHConfig configures execution on ssh targets. SSH is disabled when
// KeyPath is empty.
type SSHConfig struct {
	KeyPath               string `yaml:"key_path"`
	KnownHostsPath        string `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	DialTimeoutMs         int    `yaml:"dial_timeout_ms"`
}

// LoadConfig loads configuration from path (optional) and the environment
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read token file: %w", err)
		}
		cfg.Token = strings.TrimSpace(string(data))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.BrokerURL, "RELAY_BROKER_URL")
	overrideString(&c.Token, "RELAY_TOKEN")
	overrideString(&c.TokenFile, "RELAY_TOKEN_FILE")
	overrideString(&c.RelayID, "RELAY_ID")
	overrideString(&c.Mode, "RELAY_MODE")
	overrideInt(&c.PollIntervalMs, "RELAY_POLL_INTERVAL_MS")
	overrideInt(&c.WorkerCount, "RELAY_WORKER_COUNT")
	overrideInt(&c.ChannelSize, "RELAY_CHANNEL_SIZE")
	overrideInt(&c.PartialFlushIntervalMs, "RELAY_PARTIAL_FLUSH_INTERVAL_MS")
	overrideString(&c.SpoolPath, "RELAY_SPOOL_PATH")
	overrideString(&c.WorkDir, "RELAY_WORK_DIR")
	overrideString(&c.SSH.KeyPath, "RELAY_SSH_KEY_PATH")
	overrideString(&c.SSH.KnownHostsPath, "RELAY_SSH_KNOWN_HOSTS_PATH")
	overrideString(&c.LogLevel, "LOG_LEVEL")
	overrideString(&c.LogFormat, "LOG_FORMAT")
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePoll
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 5000
	}
	if c.PollIntervalMs < MinPollIntervalMs {
		c.PollIntervalMs = MinPollIntervalMs
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 10
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.ChannelSize <= 0 {
		c.ChannelSize = 100
	}
	if c.PartialFlushIntervalMs <= 0 {
		c.PartialFlushIntervalMs = 1000
	}
	if c.SpoolRetryIntervalMs <= 0 {
		c.SpoolRetryIntervalMs = 5000
	}
	if c.SpoolPath == "" {
		// HOSTNAME keeps replicas sharing a volume apart
		hostname := os.Getenv("HOSTNAME")
		if hostname == "" {
			hostname = "relay"
		}
		c.SpoolPath = fmt.Sprintf("/var/lib/relay/%s/spool.db", hostname)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker_url must be set")
	}
	if c.Token == "" {
		return fmt.Errorf("token or token_file must be set")
	}
	if c.Mode != ModePoll && c.Mode != ModePush {
		return fmt.Errorf("mode must be %s or %s, got %q", ModePoll, ModePush, c.Mode)
	}
	if c.SSH.KeyPath != "" && c.SSH.KnownHostsPath == "" && !c.SSH.InsecureIgnoreHostKey {
		return fmt.Errorf("ssh.known_hosts_path is required unless ssh.insecure_ignore_host_key is set")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) PartialFlushInterval() time.Duration {
	return time.Duration(c.PartialFlushIntervalMs) * time.Millisecond
}

func (c *Config) SpoolRetryInterval() time.Duration {
	return time.Duration(c.SpoolRetryIntervalMs) * time.Millisecond
}

// SSHEnabled reports whether ssh targets can be executed
func (c *Config) SSHEnabled() bool {
	return c.SSH.KeyPath != ""
}

// ExecutorConfig converts the ssh section for the executor package
func (s SSHConfig) ExecutorConfig() executor.SSHConfig {
	return executor.SSHConfig{
		KeyPath:               s.KeyPath,
		KnownHostsPath:        s.KnownHostsPath,
		InsecureIgnoreHostKey: s.InsecureIgnoreHostKey,
		DialTimeout:           time.Duration(s.DialTimeoutMs) * time.Millisecond,
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
