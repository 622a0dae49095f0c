package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFileName is the manifest file expected in a plugin directory.
const ManifestFileName = "manifest.json"

// LoadDir loads a plugin from a directory holding a manifest and the
// entry module it names. The entry path must stay inside the directory.
func (m *Manager) LoadDir(ctx context.Context, dir string, initialSettings map[string]any) (*Instance, error) {
	man, err := LoadManifest(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, err
	}

	if !filepath.IsLocal(man.Main) {
		return nil, lifecycleErr(man.ID, "load", ErrInvalidManifest,
			fmt.Errorf("entry %q escapes the plugin directory", man.Main))
	}
	source, err := os.ReadFile(filepath.Join(dir, man.Main))
	if err != nil {
		return nil, lifecycleErr(man.ID, "load", ErrInvalidManifest,
			fmt.Errorf("reading entry module: %w", err))
	}

	return m.Load(ctx, man, string(source), initialSettings)
}

// DiscoverDir returns the subdirectories of root that contain a plugin
// manifest. os.ReadDir yields them sorted by name.
func DiscoverDir(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading plugin root: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifest := filepath.Join(root, e.Name(), ManifestFileName)
		if _, err := os.Stat(manifest); err == nil {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs, nil
}
