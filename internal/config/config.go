package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the deployer looks for its configuration when --config
// is not given. A missing file at this path means "use defaults".
const DefaultPath = "deployment/config/deploy.yaml"

// Config represents the complete sitedeploy configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Filter    FilterConfig    `yaml:"filter"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Serve     ServeConfig     `yaml:"serve"`
}

// RepoConfig configures the working tree that gets deployed
type RepoConfig struct {
	Dir string `yaml:"dir"`
	// URL and Ref are only needed by serve, which keeps Dir checked out.
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// RegistryConfig locates the client registry document
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the daily deploy log
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// FilterConfig adds exclusions on top of the built-in rules
type FilterConfig struct {
	Exclude []string `yaml:"exclude"`
}

// TransportConfig configures both transports
type TransportConfig struct {
	FTP  FTPConfig  `yaml:"ftp"`
	SFTP SFTPConfig `yaml:"sftp"`
}

// FTPConfig configures the FTP transport
type FTPConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	DisableEPSV bool          `yaml:"disable_epsv"`
}

// SFTPConfig configures the scp/ssh based transport
type SFTPConfig struct {
	SCP                   string `yaml:"scp"`
	SSH                   string `yaml:"ssh"`
	SSHPass               string `yaml:"sshpass"`
	ConnectTimeout        int    `yaml:"connect_timeout"`
	StrictHostKeyChecking string `yaml:"strict_host_key_checking"`
	StrictExitStatus      bool   `yaml:"strict_exit_status"`
	LegacyProtocol        bool   `yaml:"legacy_protocol"`
}

// AuthConfig configures Git authentication for serve mode
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	Clients                 []string `yaml:"clients"`
}

// Load reads and parses the configuration file. When optional is true a
// missing file yields the defaults instead of an error.
func Load(path string, optional bool) (*Config, error) {
	path = os.ExpandEnv(path)

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Dir = os.ExpandEnv(c.Repo.Dir)
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Registry.Path = os.ExpandEnv(c.Registry.Path)
	c.Logging.Dir = os.ExpandEnv(c.Logging.Dir)
	c.Transport.SFTP.SCP = os.ExpandEnv(c.Transport.SFTP.SCP)
	c.Transport.SFTP.SSH = os.ExpandEnv(c.Transport.SFTP.SSH)
	c.Transport.SFTP.SSHPass = os.ExpandEnv(c.Transport.SFTP.SSHPass)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Dir == "" {
		c.Repo.Dir = "."
	}
	if c.Registry.Path == "" {
		c.Registry.Path = "deployment/config/clients.json"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "deployment/logs"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Transport.FTP.Timeout == 0 {
		c.Transport.FTP.Timeout = 30 * time.Second
	}
	if c.Transport.SFTP.SCP == "" {
		c.Transport.SFTP.SCP = "scp"
	}
	if c.Transport.SFTP.SSH == "" {
		c.Transport.SFTP.SSH = "ssh"
	}
	if c.Transport.SFTP.ConnectTimeout == 0 {
		c.Transport.SFTP.ConnectTimeout = 30
	}
	if c.Transport.SFTP.StrictHostKeyChecking == "" {
		c.Transport.SFTP.StrictHostKeyChecking = "no"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Transport.FTP.Timeout < 0 {
		return fmt.Errorf("transport.ftp.timeout must not be negative")
	}
	if c.Transport.SFTP.ConnectTimeout < 0 {
		return fmt.Errorf("transport.sftp.connect_timeout must not be negative")
	}
	switch c.Transport.SFTP.StrictHostKeyChecking {
	case "yes", "no", "accept-new":
		// valid
	default:
		return fmt.Errorf("invalid transport.sftp.strict_host_key_checking: %s (must be yes, no, or accept-new)", c.Transport.SFTP.StrictHostKeyChecking)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && c.Repo.URL != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && c.Repo.URL != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if c.Repo.URL == "" || c.Repo.Ref == "" {
			return fmt.Errorf("repo.url and repo.ref are required when serve is enabled")
		}
		if len(c.Serve.Clients) == 0 {
			return fmt.Errorf("serve.clients must list at least one client key when serve is enabled")
		}
	}

	return nil
}

// RegistryRelPath returns the registry path relative to the repo dir, or ""
// when the registry lives outside the working tree.
func (c *Config) RegistryRelPath() string {
	repo, err := filepath.Abs(c.Repo.Dir)
	if err != nil {
		return ""
	}
	reg, err := filepath.Abs(c.Registry.Path)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(repo, reg)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// ServeWarnings lists configuration that is valid but works against serve
// mode. Each checkout runs checkout -f and reset --hard in repo.dir, which
// restores a tracked registry and drops every recorded checkpoint.
func (c *Config) ServeWarnings() []string {
	if !c.Serve.Enabled {
		return nil
	}
	var warnings []string
	if rel := c.RegistryRelPath(); rel != "" {
		warnings = append(warnings, fmt.Sprintf(
			"registry.path %s is inside repo.dir; if it is tracked, every checkout resets last_commit and the next deploy sends every file. Keep the registry untracked or outside repo.dir", rel))
	}
	return warnings
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
