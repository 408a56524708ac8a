// Package config loads signond's daemon configuration from
// ${XDG_CONFIG_HOME}/signond/config.yaml, overridden by the SSO_* family of
// environment variables documented in the daemon's external interface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Default timeouts and paths, applied when neither the config file nor an
// environment variable sets a value.
const (
	DefaultIdentityTimeout    = 300 * time.Second
	DefaultAuthSessionTimeout = 300 * time.Second
	defaultPluginsDirName     = "signond/plugins"
	defaultExtensionsDirName  = "signond/extensions"
	defaultStorageDirName     = "signond"
)

// Config holds every value the daemon reads at startup. Fields are exported
// so viper can unmarshal directly into them; validation happens in
// validate(), not via struct tags, matching the rest of this package.
type Config struct {
	StoragePath        string        `mapstructure:"storage_path"`
	PluginsDir         string        `mapstructure:"plugins_dir"`
	ExtensionsDir      string        `mapstructure:"extensions_dir"`
	DaemonTimeout      time.Duration `mapstructure:"daemon_timeout"`
	IdentityTimeout    time.Duration `mapstructure:"identity_timeout"`
	AuthSessionTimeout time.Duration `mapstructure:"authsession_timeout"`
	LoggingLevel       string        `mapstructure:"logging_level"`
	LoggingOutput      string        `mapstructure:"logging_output"`
	SocketPath         string        `mapstructure:"socket_path"`
}

// Load reads the daemon configuration from disk and environment, applying
// defaults for anything left unset. configPath may be empty, in which case
// the default XDG location is used; a missing file is not an error, since
// every field has a workable default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SSO")
	v.AutomaticEnv()

	applyDefaults(v)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "signond"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read signond config: %w", err)
		}
	}

	// viper.AutomaticEnv does not see keys that were never Set/bound, so
	// bind each field's env var explicitly.
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		StoragePath:        v.GetString("storage_path"),
		PluginsDir:         v.GetString("plugins_dir"),
		ExtensionsDir:      v.GetString("extensions_dir"),
		DaemonTimeout:      v.GetDuration("daemon_timeout"),
		IdentityTimeout:    v.GetDuration("identity_timeout"),
		AuthSessionTimeout: v.GetDuration("authsession_timeout"),
		LoggingLevel:       v.GetString("logging_level"),
		LoggingOutput:      v.GetString("logging_output"),
		SocketPath:         v.GetString("socket_path"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envBindings = map[string]string{
	"storage_path":        "SSO_STORAGE_PATH",
	"plugins_dir":         "SSO_PLUGINS_DIR",
	"extensions_dir":      "SSO_EXTENSIONS_DIR",
	"daemon_timeout":      "SSO_DAEMON_TIMEOUT",
	"identity_timeout":    "SSO_IDENTITY_TIMEOUT",
	"authsession_timeout": "SSO_AUTHSESSION_TIMEOUT",
	"logging_level":       "SSO_LOGGING_LEVEL",
	"logging_output":      "SSO_LOGGING_OUTPUT",
	"socket_path":         "SSO_SOCKET_PATH",
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("storage_path", filepath.Join(xdg.DataHome, defaultStorageDirName))
	v.SetDefault("plugins_dir", filepath.Join(xdg.DataHome, defaultPluginsDirName))
	v.SetDefault("extensions_dir", filepath.Join(xdg.DataHome, defaultExtensionsDirName))
	v.SetDefault("daemon_timeout", time.Duration(0))
	v.SetDefault("identity_timeout", DefaultIdentityTimeout)
	v.SetDefault("authsession_timeout", DefaultAuthSessionTimeout)
	v.SetDefault("logging_level", "info")
	v.SetDefault("logging_output", "stderr")
	v.SetDefault("socket_path", DefaultSocketPath())
}

// DefaultSocketPath derives the per-user IPC bus socket path from the
// runtime directory, matching "a per-user socket is created with 0700
// permissions" (spec §6.7).
func DefaultSocketPath() string {
	return filepath.Join(xdg.RuntimeDir, "signond", "signond.sock")
}

func (c *Config) validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("storage_path must not be empty")
	}
	if c.IdentityTimeout < 0 {
		return fmt.Errorf("identity_timeout must not be negative")
	}
	if c.AuthSessionTimeout < 0 {
		return fmt.Errorf("authsession_timeout must not be negative")
	}
	if c.DaemonTimeout < 0 {
		return fmt.Errorf("daemon_timeout must not be negative")
	}
	return nil
}

// MetadataDBPath returns the path of the metadata tier database within
// StoragePath (spec §6.6: "signon.db").
func (c *Config) MetadataDBPath() string {
	return filepath.Join(c.StoragePath, "signon.db")
}

// SecretsDBPath returns the path of the secrets tier database within
// StoragePath (spec §6.6: "signon-secrets.db").
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.StoragePath, "signon-secrets.db")
}
