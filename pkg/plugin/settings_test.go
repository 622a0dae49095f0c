package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func floatPtr(f float64) *float64 { return &f }

func TestSettingCheckString(t *testing.T) {
	spec := SettingSpec{Type: SettingString}
	assert.NoError(t, spec.Check("title", "hello"))
	assert.Error(t, spec.Check("title", 42))
	assert.Error(t, spec.Check("title", true))
}

func TestSettingCheckNumber(t *testing.T) {
	spec := SettingSpec{Type: SettingNumber, Min: floatPtr(1), Max: floatPtr(10)}

	assert.NoError(t, spec.Check("depth", 5))
	assert.NoError(t, spec.Check("depth", int64(1)))
	assert.NoError(t, spec.Check("depth", 10.0))
	assert.Error(t, spec.Check("depth", 0))
	assert.Error(t, spec.Check("depth", 10.5))
	assert.Error(t, spec.Check("depth", "5"))
}

func TestSettingCheckBoolean(t *testing.T) {
	spec := SettingSpec{Type: SettingBoolean}
	assert.NoError(t, spec.Check("enabled", false))
	assert.Error(t, spec.Check("enabled", "true"))
}

func TestSettingCheckSelect(t *testing.T) {
	spec := SettingSpec{Type: SettingSelect, Options: []string{"fast", "full"}}
	assert.NoError(t, spec.Check("mode", "fast"))
	assert.Error(t, spec.Check("mode", "turbo"))
	assert.Error(t, spec.Check("mode", 1))
}

func TestSettingSpecValidate(t *testing.T) {
	bad := SettingSpec{Type: "toggle"}
	assert.ErrorIs(t, bad.validate("x"), ErrInvalidManifest)

	noOptions := SettingSpec{Type: SettingSelect}
	assert.ErrorIs(t, noOptions.validate("x"), ErrInvalidManifest)

	badDefault := SettingSpec{Type: SettingNumber, Default: "three"}
	assert.ErrorIs(t, badDefault.validate("x"), ErrInvalidManifest)

	ok := SettingSpec{Type: SettingSelect, Options: []string{"a"}, Default: "a"}
	assert.NoError(t, ok.validate("x"))
}

func TestValidateSettings(t *testing.T) {
	specs := map[string]SettingSpec{
		"depth": {Type: SettingNumber, Min: floatPtr(1)},
		"mode":  {Type: SettingSelect, Options: []string{"fast", "full"}},
	}

	assert.NoError(t, validateSettings(specs, nil))
	assert.NoError(t, validateSettings(specs, map[string]any{"depth": 3, "mode": "full"}))

	// Unknown keys are rejected so typos never create dead settings.
	assert.ErrorIs(t, validateSettings(specs, map[string]any{"depht": 3}), ErrInvalidSettings)
	assert.ErrorIs(t, validateSettings(specs, map[string]any{"depth": 0}), ErrInvalidSettings)
}

func TestMergeSettings(t *testing.T) {
	specs := map[string]SettingSpec{
		"depth": {Type: SettingNumber, Default: 3},
		"mode":  {Type: SettingSelect, Options: []string{"fast", "full"}, Default: "fast"},
		"note":  {Type: SettingString},
	}

	merged := mergeSettings(specs, map[string]any{"mode": "full"})
	assert.Equal(t, map[string]any{"depth": 3, "mode": "full"}, merged)

	// No overrides yields just the declared defaults.
	assert.Equal(t, map[string]any{"depth": 3, "mode": "fast"}, mergeSettings(specs, nil))
}
