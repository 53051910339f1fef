package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameters is the transport specific key/value map of a Config or
// Command. Lookups fall back to a case-insensitive match because viper
// lower-cases keys loaded from YAML.
type Parameters map[string]interface{}

// Lookup returns the raw value stored under key.
func (p Parameters) Lookup(key string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	if v, ok := p[key]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether key is present and non-empty.
func (p Parameters) Has(key string) bool {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

// String returns key as a string.
func (p Parameters) String(key, def string) string {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return def
		}
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int returns key as an int. Unparseable values yield def.
func (p Parameters) Int(key string, def int) int {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

// Float returns key as a float64.
func (p Parameters) Float(key string, def float64) float64 {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
		return def
	}
	if n, ok := toInt(v); ok {
		return float64(n)
	}
	return def
}

// Bool returns key as a bool.
func (p Parameters) Bool(key string, def bool) bool {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	}
	return def
}

// Duration interprets key as milliseconds when numeric, or as a Go duration
// string such as "250ms".
func (p Parameters) Duration(key string, def time.Duration) time.Duration {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if n, ok := toInt(v); ok {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

// Map returns a nested parameter map.
func (p Parameters) Map(key string) Parameters {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return nil
	}
	return asParameters(v)
}

// StringMap returns a nested map with every value rendered as a string.
func (p Parameters) StringMap(key string) map[string]string {
	m := p.Map(key)
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// List returns key as a slice.
func (p Parameters) List(key string) []interface{} {
	v, ok := p.Lookup(key)
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []interface{}{v}
}

func asParameters(v interface{}) Parameters {
	switch t := v.(type) {
	case Parameters:
		return t
	case map[string]interface{}:
		return Parameters(t)
	case map[interface{}]interface{}:
		out := make(Parameters, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = val
		}
		return out
	case map[string]string:
		out := make(Parameters, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	}
	return nil
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return int(n), true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), true
		}
	}
	return 0, false
}
