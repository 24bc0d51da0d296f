package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCheckpointFile = ".deploysync-revision"
	DefaultIgnoreFile     = ".gitignore"
	DefaultRef            = "HEAD"
	DefaultSSHPort        = 22
	DefaultConnectTimeout = 30 * time.Second
	DefaultHookTimeout    = 5 * time.Minute
)

// Config represents the complete deploysync configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Hooks  HooksConfig  `yaml:"hooks"`
	Auth   AuthConfig   `yaml:"auth"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig configures the local git working tree that is deployed
type SourceConfig struct {
	Dir    string `yaml:"dir"`
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Subdir string `yaml:"subdir"`
}

// RemoteConfig configures the deployment target. An empty Host selects the
// local channel, in which case Root is a directory on this machine.
type RemoteConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	User                  string        `yaml:"user"`
	Root                  string        `yaml:"root"`
	SSHKeyFile            string        `yaml:"ssh_key_file"`
	SSHKeyPassphraseFile  string        `yaml:"ssh_key_passphrase_file"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// SyncConfig configures change detection and transfer behavior
type SyncConfig struct {
	// Exclude is a comma-separated list of glob patterns.
	Exclude        string `yaml:"exclude"`
	IgnoreFile     string `yaml:"ignore_file"`
	CheckpointFile string `yaml:"checkpoint_file"`
	ForceFull      bool   `yaml:"force_full"`
	PruneEmptyDirs bool   `yaml:"prune_empty_dirs"`
	// AllowDirty deploys even when tracked files under the scope have
	// uncommitted changes.
	AllowDirty     bool   `yaml:"allow_dirty"`
}

// HooksConfig configures commands run around a deployment
type HooksConfig struct {
	PreDeploy  Hook `yaml:"pre_deploy"`
	PostDeploy Hook `yaml:"post_deploy"`
}

// Hook is a single shell command. Remote hooks run inside remote.root,
// local hooks inside the source scope directory.
type Hook struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Local   bool          `yaml:"local"`
}

// AuthConfig configures Git authentication for source.url checkouts
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
}

// Load reads and parses the configuration file. A .env file next to the
// configuration is loaded into the environment first; variables that are
// already set are left untouched.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.Dir = os.ExpandEnv(c.Source.Dir)
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	c.Source.Ref = os.ExpandEnv(c.Source.Ref)
	c.Source.Subdir = os.ExpandEnv(c.Source.Subdir)
	c.Remote.Host = os.ExpandEnv(c.Remote.Host)
	c.Remote.User = os.ExpandEnv(c.Remote.User)
	c.Remote.Root = os.ExpandEnv(c.Remote.Root)
	c.Remote.SSHKeyFile = os.ExpandEnv(c.Remote.SSHKeyFile)
	c.Remote.SSHKeyPassphraseFile = os.ExpandEnv(c.Remote.SSHKeyPassphraseFile)
	c.Remote.KnownHostsFile = os.ExpandEnv(c.Remote.KnownHostsFile)
	c.Sync.Exclude = os.ExpandEnv(c.Sync.Exclude)
	c.Hooks.PreDeploy.Command = os.ExpandEnv(c.Hooks.PreDeploy.Command)
	c.Hooks.PostDeploy.Command = os.ExpandEnv(c.Hooks.PostDeploy.Command)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() error {
	if c.Source.Ref == "" {
		c.Source.Ref = DefaultRef
	}
	if c.Source.Dir != "" && !filepath.IsAbs(c.Source.Dir) {
		abs, err := filepath.Abs(c.Source.Dir)
		if err != nil {
			return fmt.Errorf("failed to resolve source.dir: %w", err)
		}
		c.Source.Dir = abs
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = DefaultSSHPort
	}
	if c.Remote.ConnectTimeout == 0 {
		c.Remote.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Sync.IgnoreFile == "" {
		c.Sync.IgnoreFile = DefaultIgnoreFile
	}
	if c.Sync.CheckpointFile == "" {
		c.Sync.CheckpointFile = DefaultCheckpointFile
	}
	if c.Hooks.PreDeploy.Timeout == 0 {
		c.Hooks.PreDeploy.Timeout = DefaultHookTimeout
	}
	if c.Hooks.PostDeploy.Timeout == 0 {
		c.Hooks.PostDeploy.Timeout = DefaultHookTimeout
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate source config
	if c.Source.Dir == "" {
		return fmt.Errorf("source.dir is required")
	}
	if !filepath.IsAbs(c.Source.Dir) {
		return fmt.Errorf("source.dir must be an absolute path: %s", c.Source.Dir)
	}
	if c.Source.Subdir != "" {
		clean := path.Clean(filepath.ToSlash(c.Source.Subdir))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("source.subdir must be relative to source.dir: %s", c.Source.Subdir)
		}
	}

	// Validate remote config
	if c.Remote.Root == "" {
		return fmt.Errorf("remote.root is required")
	}
	if c.IsLocal() {
		if !filepath.IsAbs(c.Remote.Root) {
			return fmt.Errorf("remote.root must be an absolute path: %s", c.Remote.Root)
		}
	} else if !path.IsAbs(c.Remote.Root) {
		return fmt.Errorf("remote.root must be an absolute path: %s", c.Remote.Root)
	}
	if path.Clean(filepath.ToSlash(c.Remote.Root)) == "/" {
		return fmt.Errorf("remote.root must not be the filesystem root")
	}
	if !c.IsLocal() && c.Remote.User == "" {
		return fmt.Errorf("remote.user is required when remote.host is set")
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		return fmt.Errorf("remote.port out of range: %d", c.Remote.Port)
	}

	// Validate sync config
	if strings.ContainsAny(c.Sync.CheckpointFile, `/\`) {
		return fmt.Errorf("sync.checkpoint_file must be a plain file name: %s", c.Sync.CheckpointFile)
	}
	if strings.ContainsAny(c.Sync.IgnoreFile, `/\`) {
		return fmt.Errorf("sync.ignore_file must be a plain file name: %s", c.Sync.IgnoreFile)
	}

	// Validate hooks
	if c.Hooks.PreDeploy.Timeout < 0 || c.Hooks.PostDeploy.Timeout < 0 {
		return fmt.Errorf("hook timeouts must not be negative")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but source.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but source.url does not use HTTPS scheme")
	}

	// Validate serve config if enabled
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required when serve is enabled")
		}
	}

	return nil
}

// ScopeDir returns the local directory whose contents are deployed
func (c *Config) ScopeDir() string {
	if c.Source.Subdir == "" {
		return c.Source.Dir
	}
	return filepath.Join(c.Source.Dir, filepath.FromSlash(c.Source.Subdir))
}

// Scope returns the deployment scope as a slash-separated path relative to
// the repository root, or "" for the whole tree.
func (c *Config) Scope() string {
	if c.Source.Subdir == "" {
		return ""
	}
	s := path.Clean(filepath.ToSlash(c.Source.Subdir))
	if s == "." {
		return ""
	}
	return s
}

// ExcludePatterns splits sync.exclude on commas, dropping empty entries.
func (c *Config) ExcludePatterns() []string {
	return SplitPatterns(c.Sync.Exclude)
}

// SplitPatterns splits a comma-separated pattern list.
func SplitPatterns(list string) []string {
	var patterns []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// IsLocal returns true if deployments target a directory on this machine
func (c *Config) IsLocal() bool {
	return c.Remote.Host == ""
}

// Target returns a human readable description of the deployment target
func (c *Config) Target() string {
	if c.IsLocal() {
		return c.Remote.Root
	}
	return fmt.Sprintf("%s@%s:%s", c.Remote.User, c.Remote.Host, c.Remote.Root)
}

// AuthMethod returns a description of the configured source auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the source URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Source.URL, "https://")
}

// IsSSH returns true if the source URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Source.URL, "git@") || strings.HasPrefix(c.Source.URL, "ssh://")
}
