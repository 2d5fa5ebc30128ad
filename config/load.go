package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyValues overlays string values, typically an endpoint's query
// parameters, onto c. Keys use the YAML names; nested fields are addressed
// with dots, e.g. "reconnect.max_attempts=3" or "handshake_timeout=2s".
// Repeated keys become lists. Unknown keys are ignored so transports can
// read their own parameters from the same query. c is validated afterwards.
func (c *Config) ApplyValues(values url.Values) error {
	if len(values) == 0 {
		return nil
	}
	tree := map[string]interface{}{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		parts := strings.Split(key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[p] = child
			}
			node = child
		}
		leaf := parts[len(parts)-1]
		if len(vals) == 1 {
			node[leaf] = vals[0]
		} else {
			node[leaf] = vals
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSliceHook,
		),
	})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := dec.Decode(tree); err != nil {
		return fmt.Errorf("config: apply values: %w", err)
	}
	return c.Validate()
}

// stringToSliceHook lets a single query value fill a list field.
func stringToSliceHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
		return data, nil
	}
	s := data.(string)
	if s == "" {
		return []string{}, nil
	}
	return strings.Split(s, ","), nil
}
