package plugin

import (
	"fmt"
	"slices"
)

// SettingType classifies a plugin setting value.
type SettingType string

const (
	// SettingString accepts any string.
	SettingString SettingType = "string"

	// SettingNumber accepts numeric values, optionally range-bounded.
	SettingNumber SettingType = "number"

	// SettingBoolean accepts true or false.
	SettingBoolean SettingType = "boolean"

	// SettingSelect accepts one string out of a declared option list.
	SettingSelect SettingType = "select"
)

// SettingSpec declares one configurable value a plugin accepts: its type,
// an optional default, and the constraints updates are checked against.
type SettingSpec struct {
	// Type classifies the accepted values.
	Type SettingType `json:"type"`

	// Label is the display name shown in settings UI.
	Label string `json:"label,omitempty"`

	// Default is the value used until the host sets an override.
	Default any `json:"default,omitempty"`

	// Options lists the accepted values for select settings.
	Options []string `json:"options,omitempty"`

	// Min and Max bound number settings when set.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Required marks settings that must have a value, from the default or
	// an override.
	Required bool `json:"required,omitempty"`
}

// validate checks the declaration itself, not a value against it.
func (s SettingSpec) validate(name string) error {
	switch s.Type {
	case SettingString, SettingNumber, SettingBoolean:
	case SettingSelect:
		if len(s.Options) == 0 {
			return fmt.Errorf("%w: setting %q is a select with no options", ErrInvalidManifest, name)
		}
	default:
		return fmt.Errorf("%w: setting %q has unknown type %q", ErrInvalidManifest, name, s.Type)
	}

	if s.Default != nil {
		if err := s.Check(name, s.Default); err != nil {
			return fmt.Errorf("%w: setting %q default rejected: %v", ErrInvalidManifest, name, err)
		}
	}
	return nil
}

// Check validates a candidate value against the declaration. Numbers
// accept any Go integer or float representation since values arrive from
// both JSON decoding and the sandbox bridge.
func (s SettingSpec) Check(name string, value any) error {
	switch s.Type {
	case SettingString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("setting %q wants a string, got %T", name, value)
		}

	case SettingNumber:
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("setting %q wants a number, got %T", name, value)
		}
		if s.Min != nil && n < *s.Min {
			return fmt.Errorf("setting %q below minimum %v", name, *s.Min)
		}
		if s.Max != nil && n > *s.Max {
			return fmt.Errorf("setting %q above maximum %v", name, *s.Max)
		}

	case SettingBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("setting %q wants a boolean, got %T", name, value)
		}

	case SettingSelect:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("setting %q wants one of %v, got %T", name, s.Options, value)
		}
		if !slices.Contains(s.Options, str) {
			return fmt.Errorf("setting %q wants one of %v, got %q", name, s.Options, str)
		}
	}
	return nil
}

func (s SettingSpec) clone() SettingSpec {
	out := s
	if s.Options != nil {
		out.Options = slices.Clone(s.Options)
	}
	if s.Min != nil {
		min := *s.Min
		out.Min = &min
	}
	if s.Max != nil {
		max := *s.Max
		out.Max = &max
	}
	return out
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// validateSettings checks a change set against the manifest declarations.
// Unknown keys are rejected so typos never silently create dead settings.
func validateSettings(specs map[string]SettingSpec, changes map[string]any) error {
	for name, value := range changes {
		spec, ok := specs[name]
		if !ok {
			return fmt.Errorf("%w: %q is not declared by the manifest", ErrInvalidSettings, name)
		}
		if err := spec.Check(name, value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}
	return nil
}

// defaultSettings builds the base settings map from declared defaults.
func defaultSettings(specs map[string]SettingSpec) map[string]any {
	out := make(map[string]any, len(specs))
	for name, spec := range specs {
		if spec.Default != nil {
			out[name] = spec.Default
		}
	}
	return out
}

// mergeSettings lays overrides on top of declared defaults.
func mergeSettings(specs map[string]SettingSpec, overrides map[string]any) map[string]any {
	out := defaultSettings(specs)
	for name, value := range overrides {
		out[name] = value
	}
	return out
}
