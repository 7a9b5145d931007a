package bots

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
)

// ParamType is the declared type of a command parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamEnum    ParamType = "enum"
)

// Parameter describes one command parameter.
type Parameter struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// ValidateParameters applies defaults, coerces string input from mentions to the
// declared types and rejects missing or malformed values. Undeclared
// parameters are passed through untouched.
func ValidateParameters(schema []Parameter, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in)+len(schema))
	for k, v := range in {
		out[k] = v
	}
	for _, p := range schema {
		v, ok := out[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				out[p.Name] = p.Default
				continue
			}
			if p.Required {
				return nil, errs.Validation("parameter %q is required", p.Name)
			}
			continue
		}
		coerced, err := coerce(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerce(p Parameter, v any) (any, error) {
	switch p.Type {
	case ParamNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, errs.Validation("parameter %q must be a number, got %q", p.Name, n)
			}
			return f, nil
		}
	case ParamBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, errs.Validation("parameter %q must be true or false, got %q", p.Name, b)
			}
			return parsed, nil
		}
	case ParamEnum:
		s := fmt.Sprint(v)
		for _, allowed := range p.Enum {
			if strings.EqualFold(allowed, s) {
				return allowed, nil
			}
		}
		return nil, errs.Validation("parameter %q must be one of %s, got %q", p.Name, strings.Join(p.Enum, ", "), s)
	case ParamString, "":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	default:
		return v, nil
	}
	return nil, errs.Validation("parameter %q has unexpected type %T", p.Name, v)
}
