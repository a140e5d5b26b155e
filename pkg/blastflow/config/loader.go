package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BLASTFLOW"

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load resolves the full configuration: .env files, the YAML file at path
// (or the first one FindConfigFile reports when path is empty), then
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, string, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, err = LoadConfigFromFile(path)
		if err != nil {
			return nil, path, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadConfigFromFile reads and parses a YAML file after env expansion.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, err
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses YAML on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML, keeping a .bak of the previous file.
func SaveConfigToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"blastflow.yaml",
		"blastflow.yml",
		"config.yaml",
		"configs/blastflow.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files. Existing variables are never overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// applyEnv overlays BLASTFLOW_<SECTION>_<KEY> variables on cfg. Only the
// server host and port also read the conventional unprefixed HOST and PORT.
func applyEnv(cfg *Config) error {
	if name, ok := os.LookupEnv(EnvPrefix + "_NAME"); ok {
		cfg.Name = name
	}

	sections := []struct {
		prefix string
		spec   any
	}{
		{EnvPrefix + "_SERVER", &cfg.Server},
		{EnvPrefix + "_WHATSAPP", &cfg.WhatsApp},
		{EnvPrefix + "_SESSION", &cfg.Session},
		{EnvPrefix + "_DISPATCH", &cfg.Dispatch},
		{EnvPrefix + "_RESET", &cfg.Reset},
		{EnvPrefix + "_GATEWAY", &cfg.Gateway},
		{EnvPrefix + "_LOG", &cfg.Logging},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("environment overrides (%s_*): %w", s.prefix, err)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR.
// Unset variables without a modifier keep their placeholder. An unset
// ${VAR:?msg} turns into an ERROR:VAR:msg marker.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset ${VAR:?error}.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}

	rest := result[idx+len("ERROR:"):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	varName, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	return "", fmt.Errorf("config error: %s - %s", varName, strings.TrimSpace(msg))
}
