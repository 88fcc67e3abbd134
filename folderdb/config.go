// Folder-level settings, read from an optional YAML file in the folder.

package folderdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the optional per-folder settings file, relative to the
// folder root.
const ConfigFile = "jsonldb.yml"

// DefaultHierarchyDepth caps how many name segments become directories when
// hierarchy mode is on and no depth is configured.
const DefaultHierarchyDepth = 3

// Options configures a folder of collections.
type Options struct {
	// HierarchyDelimiter splits collection names into path segments. Empty
	// means flat mode: every collection lives directly in the folder root.
	HierarchyDelimiter string `yaml:"hierarchy_delimiter"`
	// HierarchyDepth is the maximum number of leading segments mapped to
	// nested directories; remaining segments stay in the file name.
	// Defaults to DefaultHierarchyDepth when hierarchy mode is on.
	HierarchyDepth int `yaml:"hierarchy_depth"`
	// GitAuthorName and GitAuthorEmail are used by the version-control
	// wrapper when committing snapshots of the folder.
	GitAuthorName  string `yaml:"git_author_name"`
	GitAuthorEmail string `yaml:"git_author_email"`
}

// Validate checks that the options are usable.
func (o *Options) Validate() error {
	if o.HierarchyDepth < 0 {
		return errors.New("hierarchy_depth must be non-negative")
	}
	if strings.ContainsAny(o.HierarchyDelimiter, `/\`) {
		return errors.New("hierarchy_delimiter must not contain path separators")
	}
	return nil
}

// loadOptions reads the settings file at path. A missing file yields zero
// Options (flat mode), not an error.
func loadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Options{}, nil
		}
		return Options{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return opts, nil
}

// WriteOptions persists opts as the folder's settings file.
func WriteOptions(dir string, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(&opts)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
