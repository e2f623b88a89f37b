package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "EVENTBUS_CONFIG"

// FromFile loads a .yaml, .yml, or .json file. ${VAR} and $VAR references
// are replaced with environment values before parsing, so secrets such as
// store.dsn can stay out of the file. Unset variables expand to "".
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(expanded)
	case ".json":
		return FromJSON(expanded)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
}

// FromEnv loads the file named by EVENTBUS_CONFIG. An unset variable
// yields an empty Config, so every setting takes its default.
func FromEnv() (Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return FromFile(path)
	}
	return New(nil), nil
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses a JSON object.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}
