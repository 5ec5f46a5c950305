package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for trustgate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the trustgate binary itself
// is never picked up as a config file.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError,
		// which LoadConfig tolerates.
		viper.SetConfigName("trustgate")
		viper.SetConfigType("yaml")
	}

	// TRUSTGATE_SECURITY_JWT_SECRET overrides security.jwt.secret.
	viper.SetEnvPrefix("TRUSTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches the working directory, ~/.trustgate and the system
// config directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".trustgate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "trustgate"))
		}
	} else {
		paths = append(paths, "/etc/trustgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first trustgate.yaml or trustgate.yml
// found in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "trustgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys so they can be overridden from
// the environment. Lists are configured in the file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.shutdown_timeout",
		"server.admin_rate",
		"server.admin_burst",

		"store.driver",
		"store.dsn",
		"store.path",

		"security.jwt.secret",
		"security.jwt.algorithm",
		"security.jwt.issuer",
		"security.jwt.audience",
		"security.jwt.access_ttl",
		"security.jwt.refresh_ttl",

		"security.otp.enabled",
		"security.otp.issuer",
		"security.otp.digits",
		"security.otp.period",
		"security.otp.skew",

		"security.risk_analysis.block_threshold",
		"security.risk_analysis.step_up_threshold",
		"security.risk_analysis.degraded_factor",
		"security.risk_analysis.cache_ttl",

		"security.session.max_concurrent",
		"security.session.timeout",
		"security.session.overflow",
		"security.session.cleanup_interval",

		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.file_dir",
		"audit.retention_days",

		"alerts.webhook_url",
		"alerts.interval",

		"tracing.enabled",
		"tracing.output",
		"tracing.sample_ratio",

		"seed_file",
		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates.
func LoadConfig() (*TrustGateConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*TrustGateConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment only.
	}

	var cfg TrustGateConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
