package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default file locations and tunables.
const (
	DefaultConfigPath  = "config.yaml"
	defaultListen      = ":8092"
	defaultDatabaseDSN = "data/new-domain92.db"
	defaultQuotaLimit  = 3
	defaultSessionTTL  = 5 * time.Minute
	defaultWorkerBin   = "domain92"
	defaultWorkerWait  = 10 * time.Minute
	defaultPages       = "1-10"
	defaultSubdomains  = "random"
	defaultRecordType  = "A"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if errDecode := value.Decode(&raw); errDecode != nil {
		return errDecode
	}
	parsed, errParse := time.ParseDuration(strings.TrimSpace(raw))
	if errParse != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, errParse)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Target is one fixed remote destination links are provisioned against.
type Target struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// Worker configures the external domain92 process.
type Worker struct {
	// Command is the binary (or script) to invoke.
	Command string `yaml:"command"`
	// Timeout bounds a single invocation; the process is killed on expiry.
	Timeout Duration `yaml:"timeout"`
	// WorkDir is where per-run output artifacts are written.
	WorkDir string `yaml:"work_dir"`
	// Pages is the scrape page range passed through to the worker.
	Pages string `yaml:"pages"`
	// Subdomains selects the worker's subdomain strategy.
	Subdomains string `yaml:"subdomains"`
	// RecordType is the DNS record type the worker registers.
	RecordType string `yaml:"record_type"`
}

// Config is the process-wide configuration loaded at startup.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseDSN string `yaml:"database_dsn"`

	LogFile string `yaml:"log_file"`

	QuotaLimit          int      `yaml:"quota_limit"`
	UnlimitedPrincipals []uint64 `yaml:"unlimited_principals"`

	SessionTTL Duration `yaml:"session_ttl"`

	Targets []Target `yaml:"targets"`
	Worker  Worker   `yaml:"worker"`

	// WebhookURL receives best-effort provisioning notifications when set.
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:      defaultListen,
		DatabaseDSN: defaultDatabaseDSN,
		QuotaLimit:  defaultQuotaLimit,
		SessionTTL:  Duration(defaultSessionTTL),
		Targets: []Target{
			{Name: "PeteZah", Address: "62.72.3.251"},
			{Name: "Shadow", Address: "104.243.38.18"},
			{Name: "Lunar", Address: "199.180.255.67"},
			{Name: "Lunar Alt", Address: "172.93.101.294"},
		},
		Worker: Worker{
			Command:    defaultWorkerBin,
			Timeout:    Duration(defaultWorkerWait),
			WorkDir:    os.TempDir(),
			Pages:      defaultPages,
			Subdomains: defaultSubdomains,
			RecordType: defaultRecordType,
		},
	}
}

// ResolveConfigPath returns the effective config path, honoring the
// ND92_CONFIG environment variable when the argument is empty.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("ND92_CONFIG")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// Load reads the YAML config file at path, layering it over defaults.
// A missing file is not an error; defaults apply. ND92_DATABASE_DSN
// overrides the DSN from any source.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved := ResolveConfigPath(path)
	data, errRead := os.ReadFile(resolved)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
		}
	case os.IsNotExist(errRead):
		// Defaults only.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", resolved, errRead)
	}

	if dsn := strings.TrimSpace(os.Getenv("ND92_DATABASE_DSN")); dsn != "" {
		cfg.DatabaseDSN = dsn
	}

	if errValidate := cfg.validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("config: empty database_dsn")
	}
	if c.QuotaLimit < 1 {
		return fmt.Errorf("config: quota_limit must be >= 1, got %d", c.QuotaLimit)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: session_ttl must be positive, got %s", c.SessionTTL.Std())
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("config: no targets configured")
	}
	seen := map[string]struct{}{}
	for _, target := range c.Targets {
		name := strings.TrimSpace(target.Name)
		if name == "" || strings.TrimSpace(target.Address) == "" {
			return fmt.Errorf("config: target needs both name and address: %+v", target)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate target name %q", name)
		}
		seen[name] = struct{}{}
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("config: empty worker command")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("config: worker timeout must be positive, got %s", c.Worker.Timeout.Std())
	}
	return nil
}

// FindTarget returns the catalog entry with the given name.
func (c Config) FindTarget(name string) (Target, bool) {
	for _, target := range c.Targets {
		if target.Name == name {
			return target, true
		}
	}
	return Target{}, false
}

// IsUnlimited reports whether the principal is on the unlimited allow-list.
func (c Config) IsUnlimited(principalID uint64) bool {
	for _, id := range c.UnlimitedPrincipals {
		if id == principalID {
			return true
		}
	}
	return false
}
