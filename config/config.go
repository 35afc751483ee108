package config

import (
	"flag"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	EnvSpenderKey  = "SPENDFLOW_SPENDER_KEY"
	EnvAdvisoryKey = "SPENDFLOW_ADVISORY_KEY"
	EnvAdminToken  = "SPENDFLOW_ADMIN_TOKEN"

	DefaultPath = "config.yaml"

	defaultLeaseTTL = 30 * time.Minute
)

// Config is the validated engine configuration.
type Config struct {
	RPCURL         string
	ChainID        *big.Int
	ManagerAddress common.Address
	SpenderKey     string
	WALDir         string
	LogLevel       zapcore.Level

	// Schedule is a six-field cron expression (seconds first). Empty disables
	// the built-in trigger.
	Schedule    string
	Concurrency int
	LeaseTTL    time.Duration
	RunOnce     bool

	CallTimeout     time.Duration
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	ApprovalRetries int
	ApprovalGrace   time.Duration
	PropagationWait time.Duration
	SpendRetries    int
	SpendRetryDelay time.Duration

	Advisory AdvisoryConfig
	HTTP     HTTPConfig
}

type AdvisoryConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
	// Fee in token base units charged per refresh; nil disables charging.
	Fee *big.Int
}

type HTTPConfig struct {
	Addr       string
	Token      string
	TLSDomains []string
	CertCache  string
}

// ConfigTmp mirrors the YAML file. Numbers that need range checks or big
// integers are kept as strings and parsed in Load.
type ConfigTmp struct {
	RPCURL         string       `yaml:"rpc_url"`
	ChainID        string       `yaml:"chain_id"`
	ManagerAddress string       `yaml:"manager_address"`
	SpenderKey     string       `yaml:"spender_key,omitempty"`
	WALDir         string       `yaml:"wal_dir,omitempty"`
	LogLevel       string       `yaml:"log_level,omitempty"`
	Schedule       string       `yaml:"schedule,omitempty"`
	ConcurrencyStr string       `yaml:"concurrency,omitempty"`
	LeaseTTL       string       `yaml:"lease_ttl,omitempty"`
	Execution      ExecutionTmp `yaml:"execution,omitempty"`
	Advisory       AdvisoryTmp  `yaml:"advisory,omitempty"`
	HTTP           HTTPTmp      `yaml:"http,omitempty"`
}

type ExecutionTmp struct {
	CallTimeout        string `yaml:"call_timeout,omitempty"`
	ConfirmTimeout     string `yaml:"confirm_timeout,omitempty"`
	PollInterval       string `yaml:"poll_interval,omitempty"`
	ApprovalRetriesStr string `yaml:"approval_retries,omitempty"`
	ApprovalGrace      string `yaml:"approval_grace,omitempty"`
	PropagationWait    string `yaml:"propagation_wait,omitempty"`
	SpendRetriesStr    string `yaml:"spend_retries,omitempty"`
	SpendRetryDelay    string `yaml:"spend_retry_delay,omitempty"`
}

type AdvisoryTmp struct {
	URL        string `yaml:"url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
	RetriesStr string `yaml:"retries,omitempty"`
	Fee        string `yaml:"fee,omitempty"`
}

type HTTPTmp struct {
	Addr       string   `yaml:"addr,omitempty"`
	Token      string   `yaml:"token,omitempty"`
	TLSDomains []string `yaml:"tls_domains,omitempty"`
	CertCache  string   `yaml:"cert_cache,omitempty"`
}

// Get parses command line flags and loads the config file they point to.
func Get() (Config, error) {
	path := flag.String("config", DefaultPath, "path to yaml config")
	once := flag.Bool("once", false, "execute due plans once and exit")
	flag.Parse()

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}
	cfg.RunOnce = *once

	return cfg, nil
}

// Load reads, overrides from the environment, defaults and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	return tmp.Parse()
}

// Parse converts the raw YAML values into a Config.
func (c ConfigTmp) Parse() (Config, error) {
	cfg := Config{
		RPCURL:     strings.TrimSpace(c.RPCURL),
		SpenderKey: envOr(EnvSpenderKey, c.SpenderKey),
		WALDir:     withDefault(c.WALDir, "./wal/plans"),
		Schedule:   c.Schedule,
		Advisory: AdvisoryConfig{
			URL:    strings.TrimSpace(c.Advisory.URL),
			APIKey: envOr(EnvAdvisoryKey, c.Advisory.APIKey),
		},
		HTTP: HTTPConfig{
			Addr:       withDefault(c.HTTP.Addr, ":8080"),
			Token:      envOr(EnvAdminToken, c.HTTP.Token),
			TLSDomains: c.HTTP.TLSDomains,
			CertCache:  withDefault(c.HTTP.CertCache, "cert-cache"),
		},
	}

	if cfg.RPCURL == "" {
		return Config{}, errors.New("'rpc_url' is required")
	}
	if cfg.SpenderKey == "" {
		return Config{}, errors.Errorf("'spender_key' is required (or set %s)", EnvSpenderKey)
	}

	chainID, ok := new(big.Int).SetString(strings.TrimSpace(c.ChainID), 10)
	if !ok || chainID.Sign() <= 0 {
		return Config{}, errors.Errorf("incorrect 'chain_id' param in yaml config: %q", c.ChainID)
	}
	cfg.ChainID = chainID

	if !common.IsHexAddress(c.ManagerAddress) {
		return Config{}, errors.Errorf("incorrect 'manager_address' param in yaml config: %q", c.ManagerAddress)
	}
	cfg.ManagerAddress = common.HexToAddress(c.ManagerAddress)

	level, err := zapcore.ParseLevel(withDefault(c.LogLevel, "info"))
	if err != nil {
		return Config{}, errors.Wrap(err, "incorrect 'log_level' param in yaml config")
	}
	cfg.LogLevel = level

	ints := []struct {
		name string
		raw  string
		def  int
		min  int
		dst  *int
	}{
		{"concurrency", c.ConcurrencyStr, 4, 1, &cfg.Concurrency},
		{"execution.approval_retries", c.Execution.ApprovalRetriesStr, 3, 1, &cfg.ApprovalRetries},
		{"execution.spend_retries", c.Execution.SpendRetriesStr, 2, 0, &cfg.SpendRetries},
		{"advisory.retries", c.Advisory.RetriesStr, 1, 0, &cfg.Advisory.Retries},
	}
	for _, p := range ints {
		v, err := parseInt(p.raw, p.def)
		if err != nil || v < p.min {
			return Config{}, errors.Errorf("incorrect '%s' param in yaml config (must be an integer >= %d): %q", p.name, p.min, p.raw)
		}
		*p.dst = v
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"execution.call_timeout", c.Execution.CallTimeout, 15 * time.Second, &cfg.CallTimeout},
		{"execution.confirm_timeout", c.Execution.ConfirmTimeout, 2 * time.Minute, &cfg.ConfirmTimeout},
		{"execution.poll_interval", c.Execution.PollInterval, 2 * time.Second, &cfg.PollInterval},
		{"execution.approval_grace", c.Execution.ApprovalGrace, 5 * time.Second, &cfg.ApprovalGrace},
		{"execution.propagation_wait", c.Execution.PropagationWait, 2 * time.Second, &cfg.PropagationWait},
		{"execution.spend_retry_delay", c.Execution.SpendRetryDelay, 3 * time.Second, &cfg.SpendRetryDelay},
		{"advisory.timeout", c.Advisory.Timeout, 15 * time.Second, &cfg.Advisory.Timeout},
	}
	for _, p := range durations {
		v, err := parseDuration(p.raw, p.def)
		if err != nil || v <= 0 {
			return Config{}, errors.Errorf("incorrect '%s' param in yaml config (must be a positive duration): %q", p.name, p.raw)
		}
		*p.dst = v
	}

	if c.Advisory.Fee != "" {
		fee, ok := new(big.Int).SetString(c.Advisory.Fee, 10)
		if !ok || fee.Sign() < 0 {
			return Config{}, errors.Errorf("incorrect 'advisory.fee' param in yaml config: %q", c.Advisory.Fee)
		}
		if fee.Sign() > 0 {
			cfg.Advisory.Fee = fee
		}
	}

	// the lease has to outlive the slowest execution, or a second trigger
	// could start spending while the first is still waiting on the chain
	budget := cfg.ExecutionBudget()
	if c.LeaseTTL == "" {
		cfg.LeaseTTL = defaultLeaseTTL
		if budget > cfg.LeaseTTL {
			cfg.LeaseTTL = budget
		}
	} else {
		ttl, err := time.ParseDuration(strings.TrimSpace(c.LeaseTTL))
		if err != nil || ttl <= 0 {
			return Config{}, errors.Errorf("incorrect 'lease_ttl' param in yaml config (must be a positive duration): %q", c.LeaseTTL)
		}
		if ttl < budget {
			return Config{}, errors.Errorf("incorrect 'lease_ttl' param in yaml config: %s is shorter than the worst-case execution time %s", ttl, budget)
		}
		cfg.LeaseTTL = ttl
	}

	return cfg, nil
}

// ExecutionBudget is the longest one plan execution can take with every
// retry exhausted: balance and period reads, approval attempts, spend
// attempts, the advisory call and, when a fee is set, a second approval and
// spend for the fee.
func (c Config) ExecutionBudget() time.Duration {
	approval := time.Duration(c.ApprovalRetries) * (c.CallTimeout + c.ConfirmTimeout + c.ApprovalGrace + c.PropagationWait)
	spend := time.Duration(c.SpendRetries+1) * (c.CallTimeout + c.ConfirmTimeout + c.SpendRetryDelay)

	budget := 2*c.CallTimeout + approval + spend + c.Advisory.Timeout
	if c.Advisory.Fee != nil {
		budget += approval + spend
	}

	return budget
}

// Write stores the raw config as YAML with owner-only permissions, since it
// may contain the spender key.
func Write(path string, c ConfigTmp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to save config file %s", path)
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}

	return strings.TrimSpace(fallback)
}

func withDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}

	return strings.TrimSpace(v)
}

func parseInt(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}

	return strconv.Atoi(strings.TrimSpace(raw))
}

func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}

	return time.ParseDuration(strings.TrimSpace(raw))
}
