// Package config loads the Config record consumed by every other
// component: the Jira tenant to talk to, credentials, the local store
// path, the configured project list and the sync/throttle knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/localjira/localjira/internal/paths"
)

// Config is the fully resolved configuration record. It is threaded
// explicitly through constructors rather than read from an ambient
// global, per the "no ambient globals" design note.
type Config struct {
	JiraBaseURL         string        `mapstructure:"jira_base_url"`
	UserEmail           string        `mapstructure:"user_email"`
	APIToken            string        `mapstructure:"api_token"`
	SessionCookie       string        `mapstructure:"session_cookie"`
	DatabasePath        string        `mapstructure:"database_path"`
	Projects            []string      `mapstructure:"projects"`
	SyncIntervalSeconds int           `mapstructure:"sync_interval_seconds"`
	MaxConcurrentReqs   int           `mapstructure:"max_concurrent_requests"`
}

// SyncInterval is SyncIntervalSeconds as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// Validate checks that the fields required for the server to run are
// present. It does not check reachability of the remote tenant.
func (c *Config) Validate() error {
	var missing []string
	if c.JiraBaseURL == "" {
		missing = append(missing, "jira_base_url")
	}
	if c.UserEmail == "" {
		missing = append(missing, "user_email")
	}
	if c.APIToken == "" {
		missing = append(missing, "api_token")
	}
	if len(c.Projects) == 0 {
		missing = append(missing, "projects")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

var v *viper.Viper

// Initialize sets up the viper instance with defaults and environment
// binding. Safe to call more than once (e.g. in tests).
func Initialize() error {
	v = viper.New()

	v.SetDefault("database_path", paths.DatabasePath())
	v.SetDefault("sync_interval_seconds", 300)
	v.SetDefault("max_concurrent_requests", 4)
	v.SetDefault("projects", []string{})

	v.SetEnvPrefix("LOCALJIRA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return nil
}

// Load reads configuration from the given file path, or from the
// default search path (./.localjira.yaml then $XDG_CONFIG_HOME/localjira
// /config.yaml) when cfgFile is empty, and returns the resolved Config.
func Load(cfgFile string) (*Config, error) {
	if v == nil {
		if err := Initialize(); err != nil {
			return nil, err
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(paths.ConfigDir())
		v.SetConfigType("yaml")
		v.SetConfigName(".localjira")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
		// fall back to config.yaml in the XDG dir
		v.SetConfigName("config")
		_ = v.ReadInConfig()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// projectsFile is the shape of a standalone project-list file: a
// separate document from the main config, for tenants with a project
// set too long to want inline in config.yaml.
type projectsFile struct {
	Projects []string `yaml:"projects"`
}

// LoadProjectsFromFile reads a standalone YAML document listing
// projects and merges it into cfg.Projects, skipping keys already
// present. This is a plain file read, not routed through viper: the
// projects file is meant to be managed independently of the rest of
// the configuration (e.g. checked into a separate dotfile, generated
// by a script).
func LoadProjectsFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read projects file %s: %w", path, err)
	}

	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("config: parse projects file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for _, p := range cfg.Projects {
		seen[p] = true
	}
	for _, p := range pf.Projects {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		cfg.Projects = append(cfg.Projects, p)
	}
	return nil
}

// WatchAndReload re-reads sync_interval_seconds and
// max_concurrent_requests on config file changes, invoking onChange
// with the freshly unmarshalled Config. It returns once the watch is
// registered; onChange then runs on viper's watcher goroutine. It does
// nothing if Load has not initialised the viper instance.
func WatchAndReload(onChange func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err == nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()
}
