package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// envPrefix namespaces environment overrides, e.g. PROCPOOL_BROKER_HOST.
const envPrefix = "PROCPOOL_"

// Load reads, merges, verifies and validates configuration from a file.
// A directory argument resolves to config.yaml inside it. A .env file next
// to the config is loaded first without overriding the existing environment.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	configDir := filepath.Dir(absPath)
	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", filepath.Join(configDir, ".env"), err)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, configDir, visited); err != nil {
			return nil, err
		}
	}
	cfg.SourceFiles = sortedKeys(visited)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg = applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes configuration from YAML bytes without includes or checksum
// verification. Defaults are applied and the result is validated.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	applyEnvOverrides(&cfg)
	out := applyConfigDefaults(&cfg)
	if err := Validate(out); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return out, nil
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(Defaults(), cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}
	return sortedKeys(visited), nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			continue
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero
// values. Groups are appended.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.ShutdownTimeout != 0 {
		dst.Service.ShutdownTimeout = src.Service.ShutdownTimeout
	}
	if src.Service.PIDFile != "" {
		dst.Service.PIDFile = src.Service.PIDFile
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.APIKey != "" {
		dst.API.APIKey = src.API.APIKey
	}
	dst.API.Tokens = append(dst.API.Tokens, src.API.Tokens...)

	if src.Journal.Enabled {
		dst.Journal.Enabled = true
	}
	if src.Journal.Path != "" {
		dst.Journal.Path = src.Journal.Path
	}

	if src.Broker.Type != "" {
		dst.Broker = src.Broker
	}

	if src.Webhooks.Listen != "" {
		dst.Webhooks.Listen = src.Webhooks.Listen
	}
	dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)

	dst.Groups = append(dst.Groups, src.Groups...)
}

// applyEnvOverrides lets deployment environments replace broker connection
// details without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv(envPrefix + "BROKER_TYPE"); ok && v != "" {
		cfg.Broker.Type = v
	}
	if v, ok := os.LookupEnv(envPrefix + "BROKER_HOST"); ok && v != "" {
		cfg.Broker.Host = v
	}
	if v, ok := os.LookupEnv(envPrefix + "BROKER_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "BROKER_USERNAME"); ok {
		cfg.Broker.Username = v
	}
	if v, ok := os.LookupEnv(envPrefix + "BROKER_PASSWORD"); ok {
		cfg.Broker.Password = v
	}
	if v, ok := os.LookupEnv(envPrefix + "BROKER_BROKERS"); ok && v != "" {
		cfg.Broker.Brokers = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envPrefix + "API_KEY"); ok {
		cfg.API.APIKey = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok && v != "" {
		cfg.Service.LogLevel = v
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}

	if cfg.Broker.Kafka.KeyType == "" {
		cfg.Broker.Kafka.KeyType = defaults.Broker.Kafka.KeyType
	}
	if cfg.Broker.Redis.Group == "" {
		cfg.Broker.Redis.Group = defaults.Broker.Redis.Group
	}
	if cfg.Broker.Retry.MaxAttempts == 0 {
		cfg.Broker.Retry.MaxAttempts = defaults.Broker.Retry.MaxAttempts
	}
	if cfg.Broker.Retry.BackoffBase == 0 {
		cfg.Broker.Retry.BackoffBase = defaults.Broker.Retry.BackoffBase
	}
	if cfg.Broker.Retry.BackoffMax == 0 {
		cfg.Broker.Retry.BackoffMax = defaults.Broker.Retry.BackoffMax
	}

	for i := range cfg.Groups {
		cfg.Groups[i] = mergeGroupDefaults(cfg.Groups[i], cfg.Broker.Queue)
	}
	if cfg.Broker.Type == "redis" && cfg.Broker.Redis.ClaimIdle == 0 {
		cfg.Broker.Redis.ClaimIdle = cfg.defaultClaimIdle()
	}
	return cfg
}

// mergeGroupDefaults applies default values to a group and its sub-groups.
// A group without a queue consumes fallbackQueue, or its own name.
func mergeGroupDefaults(g GroupConfig, fallbackQueue string) GroupConfig {
	defaults := DefaultGroupConfig()

	if g.Queue == "" {
		g.Queue = fallbackQueue
	}
	if g.Queue == "" {
		g.Queue = g.Name
	}
	if g.Units == 0 {
		g.Units = defaults.Units
	}
	if g.RestartAttempts == 0 {
		g.RestartAttempts = defaults.RestartAttempts
	}
	if g.MaxHops == nil {
		g.MaxHops = defaults.MaxHops
	}
	if g.StopGrace == 0 {
		g.StopGrace = defaults.StopGrace
	}

	for i := range g.SubGroups {
		g.SubGroups[i] = mergeGroupDefaults(g.SubGroups[i], "")
	}
	return g
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
