package status

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid status config")

// Status is one entry of the configured status list.
type Status struct {
	Key      string `json:"key" yaml:"key"`
	Label    string `json:"label" yaml:"label"`
	Color    string `json:"color" yaml:"color"`
	Position int    `json:"position" yaml:"position"`
}

// Config is the status list plus the transition graph. A status whose
// transition list is empty or missing is terminal.
type Config struct {
	Statuses    []Status            `json:"statuses" yaml:"statuses"`
	Transitions map[string][]string `json:"transitions" yaml:"transitions"`
	// Destructive targets always need confirmation, even as normal transitions.
	Destructive []string `json:"destructive" yaml:"destructive"`
}

//go:embed defaults.yaml
var defaultConfigYAML []byte

// DefaultConfig is the built-in order status table used until the settings
// endpoint has answered.
func DefaultConfig() Config {
	c, err := ParseYAML(defaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded status config: %v", err))
	}
	return c
}

// ParseYAML decodes and validates a YAML status config.
func ParseYAML(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, c.Validate()
}

// ParseJSON decodes and validates a JSON status config.
func ParseJSON(b []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, c.Validate()
}

// Validate checks that keys are unique and non-empty and that every key the
// graph or the destructive list mentions is a listed status.
func (c Config) Validate() error {
	if len(c.Statuses) == 0 {
		return fmt.Errorf("%w: no statuses", ErrInvalidConfig)
	}
	known := make(map[string]struct{}, len(c.Statuses))
	for _, s := range c.Statuses {
		if s.Key == "" {
			return fmt.Errorf("%w: empty status key", ErrInvalidConfig)
		}
		if _, dup := known[s.Key]; dup {
			return fmt.Errorf("%w: duplicate status %q", ErrInvalidConfig, s.Key)
		}
		known[s.Key] = struct{}{}
	}
	for from, tos := range c.Transitions {
		if _, ok := known[from]; !ok {
			return fmt.Errorf("%w: transition from unknown status %q", ErrInvalidConfig, from)
		}
		for _, to := range tos {
			if _, ok := known[to]; !ok {
				return fmt.Errorf("%w: transition %q -> unknown status %q", ErrInvalidConfig, from, to)
			}
		}
	}
	for _, d := range c.Destructive {
		if _, ok := known[d]; !ok {
			return fmt.Errorf("%w: destructive status %q is not listed", ErrInvalidConfig, d)
		}
	}
	return nil
}

// Label returns the display label for key, or key itself.
func (c Config) Label(key string) string {
	for _, s := range c.Statuses {
		if s.Key == key {
			if s.Label != "" {
				return s.Label
			}
			break
		}
	}
	return key
}

// ordered returns status keys by position, ties broken by key.
func (c Config) ordered() []string {
	ss := append([]Status(nil), c.Statuses...)
	sort.SliceStable(ss, func(i, j int) bool {
		if ss[i].Position != ss[j].Position {
			return ss[i].Position < ss[j].Position
		}
		return ss[i].Key < ss[j].Key
	})
	keys := make([]string, len(ss))
	for i, s := range ss {
		keys[i] = s.Key
	}
	return keys
}
