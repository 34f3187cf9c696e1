package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Params is the free-form parameter mapping of a command. Lookups accept
// several aliases and take the first one holding a non-empty value.
type Params map[string]any

func (p Params) lookup(keys ...string) (any, bool) {
	for _, key := range keys {
		value, ok := p[key]
		if ok && !empty(value) {
			return value, true
		}
	}
	return nil, false
}

func empty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case bool:
		return !v
	}
	return false
}

func (p Params) String(keys ...string) string {
	value, ok := p.lookup(keys...)
	if !ok {
		return ""
	}
	return scalar(value)
}

// Strings accepts either a scalar or a list and always returns a list.
func (p Params) Strings(keys ...string) []string {
	value, ok := p.lookup(keys...)
	if !ok {
		return nil
	}
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	if s := scalar(value); s != "" {
		return []string{s}
	}
	return nil
}

// IsList reports whether the first non-empty alias holds a list.
func (p Params) IsList(keys ...string) bool {
	value, ok := p.lookup(keys...)
	if !ok {
		return false
	}
	switch value.(type) {
	case []any, []string:
		return true
	}
	return false
}

func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case float64:
		return v != 0
	}
	return def
}

func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func scalar(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool, int, int64:
		return fmt.Sprint(v)
	}
	return ""
}
