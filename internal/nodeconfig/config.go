// Package nodeconfig parses a package node's configuration: the option
// schema from node.json applied to the values in config.json, including
// schedule expansion, and a watcher that picks up config updates.
package nodeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Option describes one entry of the node.json option schema.
type Option struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Items []Option `json:"items"`
}

// Metadata carries the platform-provided config metadata.
type Metadata struct {
	NodePath   string `json:"node_path"`
	ConfigHash string `json:"config_hash"`
	ConfigRev  int64  `json:"config_rev"`
	Timezone   string `json:"timezone"`
	API        string `json:"api"`
}

// RestartFunc requests a service restart; the runtime itself never exits
// the process.
type RestartFunc func(reason string)

// Config is the parsed configuration of one node directory. Parsing
// replaces the value snapshot atomically; readers always see a complete
// parse.
type Config struct {
	path              string
	expandedSchedules bool
	options           []Option
	restart           RestartFunc
	log               *zap.SugaredLogger

	mu              sync.RWMutex
	parsed          map[string]interface{}
	raw             map[string]json.RawMessage
	metadata        Metadata
	restartOnUpdate bool
}

// Load reads node.json from path and parses the current config.json.
func Load(path string, restart RestartFunc, log *zap.SugaredLogger) (*Config, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if restart == nil {
		restart = func(string) {}
	}

	data, err := os.ReadFile(filepath.Join(path, "node.json"))
	if err != nil {
		return nil, fmt.Errorf("cannot read node.json: %w", err)
	}
	var node struct {
		ExpandSchedules bool     `json:"expand_schedules"`
		Options         []Option `json:"options"`
	}
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("cannot parse node.json: %w", err)
	}

	c := &Config{
		path:              path,
		expandedSchedules: node.ExpandSchedules,
		options:           node.Options,
		restart:           restart,
		log:               log,
	}
	if err := c.Reparse(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the node directory.
func (c *Config) Path() string {
	return c.path
}

// RestartOnUpdate makes the next config update request a service restart
// instead of reparsing in place.
func (c *Config) RestartOnUpdate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Infow("going to restart when config is updated")
	c.restartOnUpdate = true
}

// Reparse reads config.json and swaps in the new value snapshot.
func (c *Config) Reparse() error {
	data, err := os.ReadFile(filepath.Join(c.path, "config.json"))
	if err != nil {
		return fmt.Errorf("cannot read config.json: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("cannot parse config.json: %w", err)
	}

	c.mu.Lock()
	if c.restartOnUpdate && c.parsed != nil {
		c.mu.Unlock()
		c.restart("restart_on_update set")
		return nil
	}
	c.mu.Unlock()

	var schedules *scheduleSet
	if rawSchedules, ok := raw["__schedules"]; ok {
		schedules = &scheduleSet{}
		if err := json.Unmarshal(rawSchedules, schedules); err != nil {
			return fmt.Errorf("cannot parse schedules: %w", err)
		}
	}

	parsed, err := c.parseOptions(c.options, raw, schedules)
	if err != nil {
		return err
	}

	var metadata Metadata
	if rawMetadata, ok := raw["__metadata"]; ok {
		if err := json.Unmarshal(rawMetadata, &metadata); err != nil {
			return fmt.Errorf("cannot parse metadata: %w", err)
		}
	}

	c.mu.Lock()
	c.parsed = parsed
	c.raw = raw
	c.metadata = metadata
	c.mu.Unlock()
	c.log.Infow("updated config", "path", filepath.Join(c.path, "config.json"),
		"hash", metadata.ConfigHash, "rev", metadata.ConfigRev)
	return nil
}

func (c *Config) parseOptions(options []Option, values map[string]json.RawMessage, schedules *scheduleSet) (map[string]interface{}, error) {
	parsed := make(map[string]interface{})
	for _, option := range options {
		raw, ok := values[option.Name]
		if option.Name == "" || !ok {
			continue
		}
		switch option.Type {
		case "list":
			var items []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("option %s: %w", option.Name, err)
			}
			list := make([]map[string]interface{}, 0, len(items))
			for _, item := range items {
				sub, err := c.parseOptions(option.Items, item, schedules)
				if err != nil {
					return nil, err
				}
				list = append(list, sub)
			}
			parsed[option.Name] = list
		case "schedule":
			if c.expandedSchedules {
				schedule, err := newExpandedSchedule(raw, schedules)
				if err != nil {
					return nil, fmt.Errorf("option %s: %w", option.Name, err)
				}
				parsed[option.Name] = schedule
				continue
			}
			fallthrough
		default:
			value, err := parseOptionValue(option.Type, raw)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", option.Name, err)
			}
			parsed[option.Name] = value
		}
	}
	return parsed, nil
}

// Metadata returns the platform metadata of the current config.
func (c *Config) Metadata() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}

// Raw returns the unparsed config.json contents.
func (c *Config) Raw() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.raw
}

// Get returns the parsed value of one option.
func (c *Config) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.parsed[key]
	return value, ok
}

// String returns a string option, or fallback if unset or mistyped.
func (c *Config) String(key, fallback string) string {
	if value, ok := c.Get(key); ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return fallback
}

// Bool returns a boolean option, or fallback if unset or mistyped.
func (c *Config) Bool(key string, fallback bool) bool {
	if value, ok := c.Get(key); ok {
		if b, ok := value.(bool); ok {
			return b
		}
	}
	return fallback
}

// Int returns an integer option, or fallback if unset or mistyped.
func (c *Config) Int(key string, fallback int64) int64 {
	if value, ok := c.Get(key); ok {
		if f, ok := value.(float64); ok {
			return int64(f)
		}
	}
	return fallback
}

// Float returns a float option, or fallback if unset or mistyped.
func (c *Config) Float(key string, fallback float64) float64 {
	if value, ok := c.Get(key); ok {
		if f, ok := value.(float64); ok {
			return f
		}
	}
	return fallback
}

// Section wraps a section option value.
type Section struct {
	selected map[string]struct{}
}

// IsSelected reports whether key is part of the section selection.
func (s Section) IsSelected(key string) bool {
	_, ok := s.selected[key]
	return ok
}

// parseOptionValue decodes one scalar option value. The option types form
// a closed set defined by the platform; unknown types are rejected so a
// schema/runtime mismatch surfaces immediately.
func parseOptionValue(optionType string, raw json.RawMessage) (interface{}, error) {
	switch optionType {
	case "color", "string", "text", "boolean", "select", "duration",
		"integer", "float", "font", "device", "resource", "device_token",
		"json", "id", "playlist", "list_select", "custom", "date", "schedule":
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return value, nil
	case "section":
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, err
		}
		selected := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			selected[key] = struct{}{}
		}
		return Section{selected: selected}, nil
	default:
		return nil, fmt.Errorf("unknown option type %q", optionType)
	}
}
