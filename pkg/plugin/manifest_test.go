package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graft-dev/graft/pkg/plugin/security"
)

const fullManifestJSON = `{
	"id": "seo-kit",
	"name": "SEO Kit",
	"version": "1.4.0",
	"author": "Acme",
	"description": "Slugs, meta tags, sitemaps.",
	"main": "init.lua",
	"permissions": ["read:posts", "write:posts", "storage:local"],
	"hooks": [
		{"name": "post:created", "type": "action"},
		{"name": "post:title", "type": "filter", "priority": 5}
	],
	"settings": {
		"depth": {"type": "number", "label": "Crawl depth", "default": 3, "min": 1, "max": 10},
		"mode": {"type": "select", "options": ["fast", "full"], "default": "fast"}
	},
	"compatibility": {"min": "2.0.0", "max": "3.0.0"}
}`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(fullManifestJSON))
	require.NoError(t, err)

	assert.Equal(t, "seo-kit", m.ID)
	assert.Equal(t, "1.4.0", m.Version)
	assert.Equal(t, "init.lua", m.Main)
	assert.Equal(t, "general", m.Category, "category defaults when omitted")
	assert.True(t, m.HasPermission(security.CapabilityReadPosts))
	assert.False(t, m.HasPermission(security.CapabilityNetworkFetch))

	require.Len(t, m.Hooks, 2)
	assert.Equal(t, HookAction, m.Hooks[0].Type)
	assert.Equal(t, 5, m.Hooks[1].Priority)

	depth := m.Settings["depth"]
	assert.Equal(t, SettingNumber, depth.Type)
	require.NotNil(t, depth.Max)
	assert.Equal(t, float64(10), *depth.Max)
}

func TestParseManifestSchemaRejections(t *testing.T) {
	cases := map[string]string{
		"not json":            `{"id": "x"`,
		"missing version":     `{"id": "a", "name": "A", "author": "x", "main": "init.lua"}`,
		"permissions as text": `{"id": "a", "name": "A", "version": "1.0.0", "author": "x", "main": "init.lua", "permissions": "read:posts"}`,
		"hook without type":   `{"id": "a", "name": "A", "version": "1.0.0", "author": "x", "main": "init.lua", "hooks": [{"name": "post:created"}]}`,
		"setting without type": `{"id": "a", "name": "A", "version": "1.0.0", "author": "x", "main": "init.lua",
			"settings": {"depth": {"label": "Depth"}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestManifestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			ID:      "seo-kit",
			Name:    "SEO Kit",
			Version: "1.0.0",
			Author:  "Acme",
			Main:    "init.lua",
		}
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr error
	}{
		{"empty id", func(m *Manifest) { m.ID = "" }, ErrMissingID},
		{"uppercase id", func(m *Manifest) { m.ID = "SeoKit" }, ErrInvalidID},
		{"leading hyphen", func(m *Manifest) { m.ID = "-seo" }, ErrInvalidID},
		{"trailing hyphen", func(m *Manifest) { m.ID = "seo-" }, ErrInvalidID},
		{"no name", func(m *Manifest) { m.Name = "" }, ErrMissingName},
		{"no version", func(m *Manifest) { m.Version = "" }, ErrMissingVersion},
		{"loose version", func(m *Manifest) { m.Version = "1.0" }, ErrInvalidVersion},
		{"no author", func(m *Manifest) { m.Author = "" }, ErrMissingAuthor},
		{"no main", func(m *Manifest) { m.Main = "" }, ErrMissingMain},
		{"unknown permission", func(m *Manifest) {
			m.Permissions = []security.Capability{"read:everything"}
		}, ErrInvalidManifest},
		{"bad hook type", func(m *Manifest) {
			m.Hooks = []HookDeclaration{{Name: "post:created", Type: "observer"}}
		}, ErrInvalidManifest},
		{"select without options", func(m *Manifest) {
			m.Settings = map[string]SettingSpec{"mode": {Type: SettingSelect}}
		}, ErrInvalidManifest},
		{"bad compatibility bound", func(m *Manifest) {
			m.Compatibility = &Compatibility{Min: "latest"}
		}, ErrInvalidManifest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(m)
			assert.ErrorIs(t, m.Validate(), tc.wantErr)
		})
	}
}

func TestSingleLetterIDAllowed(t *testing.T) {
	m := &Manifest{ID: "x", Name: "X", Version: "0.1.0", Author: "a", Main: "x.lua"}
	assert.NoError(t, m.Validate())
}

func TestPreReleaseVersionsAllowed(t *testing.T) {
	m := &Manifest{ID: "x", Name: "X", Version: "1.2.3-beta.1+build.5", Author: "a", Main: "x.lua"}
	assert.NoError(t, m.Validate())
}

func TestCompatibleWith(t *testing.T) {
	cases := []struct {
		name     string
		compat   *Compatibility
		platform string
		want     bool
	}{
		{"no declaration", nil, "1.0.0", true},
		{"no platform version", &Compatibility{Min: "2.0.0"}, "", true},
		{"inside range", &Compatibility{Min: "2.0.0", Max: "3.0.0"}, "2.5.0", true},
		{"at min", &Compatibility{Min: "2.0.0"}, "2.0.0", true},
		{"below min", &Compatibility{Min: "2.0.0"}, "1.9.9", false},
		{"at max", &Compatibility{Max: "3.0.0"}, "3.0.0", true},
		{"above max", &Compatibility{Max: "3.0.0"}, "3.0.1", false},
		{"open upper bound", &Compatibility{Min: "2.0.0"}, "99.0.0", true},
		{"unparseable platform", &Compatibility{Min: "2.0.0"}, "dev", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Manifest{Compatibility: tc.compat}
			assert.Equal(t, tc.want, m.CompatibleWith(tc.platform))
		})
	}
}

func TestManifestClone(t *testing.T) {
	m, err := ParseManifest([]byte(fullManifestJSON))
	require.NoError(t, err)

	clone := m.Clone()
	clone.Permissions[0] = "write:settings"
	clone.Hooks[0].Name = "changed"
	clone.Compatibility.Min = "9.9.9"
	spec := clone.Settings["mode"]
	spec.Options[0] = "mutated"

	assert.Equal(t, security.CapabilityReadPosts, m.Permissions[0])
	assert.Equal(t, "post:created", m.Hooks[0].Name)
	assert.Equal(t, "2.0.0", m.Compatibility.Min)
	assert.Equal(t, "fast", m.Settings["mode"].Options[0])
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(fullManifestJSON), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "seo-kit", m.ID)

	_, err = LoadManifest(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
}
