package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the user project configuration loaded from config.yaml. Keys
// the getters don't know about are still reachable through the map.
type Config map[string]any

// LoadConfig reads and parses a YAML config file. A missing or empty file
// is not an error from the handler's point of view; callers decide.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if c == nil {
		c = Config{}
	}
	return c, nil
}

// String returns the string value under key.
func (c Config) String(key string) (string, bool) {
	v, ok := c[key].(string)
	return v, ok
}

// Int returns the integer value under key.
func (c Config) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Bool returns the boolean value under key.
func (c Config) Bool(key string) (bool, bool) {
	v, ok := c[key].(bool)
	return v, ok
}

// Env gives handlers access to the worker runtime and the user's project
// configuration.
type Env struct {
	Config Config
}
