package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ServiceBinding is one service resolved onto one platform.
// Bindings are values; Config is copied on construction and only read through accessors.
type ServiceBinding struct {
	Name     string
	Platform Platform
	Type     ServiceType
	config   map[string]any
}

// NewServiceBinding builds a binding holding a private copy of config.
func NewServiceBinding(name string, platform Platform, serviceType ServiceType, config map[string]any) ServiceBinding {
	if serviceType == "" {
		serviceType = ServiceTypeGeneric
	}
	return ServiceBinding{
		Name:     name,
		Platform: platform,
		Type:     serviceType,
		config:   cloneConfig(config),
	}
}

// Config returns a copy of the platform specific configuration.
func (b ServiceBinding) Config() map[string]any {
	return cloneConfig(b.config)
}

// Has reports whether key is set.
func (b ServiceBinding) Has(key string) bool {
	_, ok := b.config[key]
	return ok
}

// String returns the config value for key as a string, or def.
func (b ServiceBinding) String(key, def string) string {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Strings returns a list value. A single string is split on whitespace.
func (b ServiceBinding) Strings(key string) []string {
	v, ok := b.config[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return strings.Fields(t)
	default:
		return []string{fmt.Sprint(t)}
	}
}

// StringMap returns a map value with values rendered as strings.
func (b ServiceBinding) StringMap(key string) map[string]string {
	v, ok := b.config[key]
	if !ok || v == nil {
		return nil
	}
	out := make(map[string]string)
	switch t := v.(type) {
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
	case map[string]any:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

// Int returns an integer value, or def when missing or malformed.
func (b ServiceBinding) Int(key string, def int) int {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean value, or def.
func (b ServiceBinding) Bool(key string, def bool) bool {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return parsed
		}
	}
	return def
}

// Duration parses a duration value ("5s", or a number of seconds), or returns def.
func (b ServiceBinding) Duration(key string, def time.Duration) time.Duration {
	v, ok := b.config[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case time.Duration:
		return t
	case int:
		return time.Duration(t) * time.Second
	case float64:
		return time.Duration(t * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil {
			return d
		}
	}
	return def
}

func cloneConfig(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneConfig(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	default:
		return v
	}
}
