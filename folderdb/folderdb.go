package folderdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/leiwu0227/jsonldb/jsonl"
)

// DataSuffix is the extension of every collection data file.
const DataSuffix = ".jsonl"

// ErrNotFound is returned when a named collection has no store file.
var ErrNotFound = errors.New("collection not found")

// MultiError reports the per-collection failures of a batched operation.
// Collections not listed in Failed were applied; there is no cross-store
// atomicity.
type MultiError struct {
	Op     string
	Failed map[string]error // collection name -> error
}

func (e *MultiError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s failed for %d collection(s): %s", e.Op, len(names), strings.Join(names, ", "))
}

func (e *MultiError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// DB is a directory of named collections. It holds only the folder path and
// its options; all state lives on disk, so any number of DB values may
// address the same folder.
type DB struct {
	dir  string
	opts Options
}

// Open opens (creating if needed) the folder at dir, reading options from
// its jsonldb.yml when present, and brings db.meta up to date.
func Open(dir string) (*DB, error) {
	opts, err := loadOptions(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	return OpenWithOptions(dir, opts)
}

// OpenWithOptions is like [Open] with explicit options, ignoring any
// settings file.
func OpenWithOptions(dir string, opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.HierarchyDelimiter != "" && opts.HierarchyDepth == 0 {
		opts.HierarchyDepth = DefaultHierarchyDepth
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create folder %s: %w", dir, err)
	}
	db := &DB{dir: dir, opts: opts}
	if err := db.RebuildMeta(); err != nil {
		return nil, err
	}
	return db, nil
}

// Dir returns the folder root.
func (d *DB) Dir() string {
	return d.dir
}

// Options returns the options the folder was opened with, defaults applied.
func (d *DB) Options() Options {
	return d.opts
}

// Path returns the data file path for a collection name.
func (d *DB) Path(name string) (string, error) {
	if err := validateName(name, d.opts.HierarchyDelimiter); err != nil {
		return "", err
	}
	if d.opts.HierarchyDelimiter == "" {
		return filepath.Join(d.dir, name+DataSuffix), nil
	}
	segments := strings.Split(name, d.opts.HierarchyDelimiter)
	dirs := segments[:len(segments)-1]
	if len(dirs) > d.opts.HierarchyDepth {
		dirs = segments[:d.opts.HierarchyDepth]
	}
	file := strings.Join(segments[len(dirs):], d.opts.HierarchyDelimiter)
	parts := append(append([]string{d.dir}, dirs...), file+DataSuffix)
	return filepath.Join(parts...), nil
}

// validateName rejects names that would escape the folder or collide with
// the folder's own bookkeeping files.
func validateName(name, delimiter string) error {
	if name == "" {
		return errors.New("collection name must not be empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("collection name %q must not contain path separators", name)
	}
	segments := []string{name}
	if delimiter != "" {
		segments = strings.Split(name, delimiter)
	}
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return fmt.Errorf("collection name %q has an invalid segment", name)
		}
	}
	return nil
}

// nameForPath is the inverse of [DB.Path] for a data file inside the folder.
func (d *DB) nameForPath(path string) (string, bool) {
	rel, err := filepath.Rel(d.dir, path)
	if err != nil || !strings.HasSuffix(rel, DataSuffix) {
		return "", false
	}
	rel = strings.TrimSuffix(rel, DataSuffix)
	parts := strings.Split(rel, string(os.PathSeparator))
	if len(parts) > 1 && d.opts.HierarchyDelimiter == "" {
		return "", false
	}
	return strings.Join(parts, d.opts.HierarchyDelimiter), true
}

// List returns every collection name in the folder, ascending.
func (d *DB) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() || !strings.HasSuffix(path, DataSuffix) {
			return nil
		}
		if name, ok := d.nameForPath(path); ok {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections in %s: %w", d.dir, err)
	}
	sort.Strings(names)
	return names, nil
}

// Search returns the collection names matching the regular expression.
func (d *DB) Search(pattern string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern: %w", err)
	}
	names, err := d.List()
	if err != nil {
		return nil, err
	}
	matched := names[:0]
	for _, name := range names {
		if re.MatchString(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// Exists reports whether a collection has a store file.
func (d *DB) Exists(name string) (bool, error) {
	path, err := d.Path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// Save overwrites a collection with records, creating it if needed.
func (d *DB) Save(name string, records map[string]jsonl.Object) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := jsonl.Save(path, records); err != nil {
		return err
	}
	return d.refreshMeta(name, false)
}

// Upsert updates or inserts records into a collection, creating it on first
// use. Existing collections take the update path: unchanged-length lines are
// rewritten in place, everything else is appended.
func (d *DB) Upsert(name string, records map[string]jsonl.Object) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	exists, err := d.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		err = jsonl.Update(path, records)
	} else {
		err = jsonl.Save(path, records)
	}
	if err != nil {
		// A partial batch still mutated the store; keep metadata honest.
		var batch *jsonl.BatchError
		if errors.As(err, &batch) && len(batch.Applied) > 0 {
			if merr := d.refreshMeta(name, false); merr != nil {
				return errors.Join(err, merr)
			}
		}
		return err
	}
	return d.refreshMeta(name, false)
}

// Load returns every record of a collection.
func (d *DB) Load(name string) (map[string]jsonl.Object, error) {
	return d.Get(name, nil, nil)
}

// Get returns the records of a collection whose keys lie in the closed
// interval [lower, upper]; nil bounds are unbounded.
func (d *DB) Get(name string, lower, upper *string) (map[string]jsonl.Object, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	exists, err := d.Exists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return jsonl.Select(path, lower, upper)
}

// DeleteKeys removes keys from a collection. Absent keys are no-ops.
func (d *DB) DeleteKeys(name string, keys []string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	exists, err := d.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := jsonl.Delete(path, keys); err != nil {
		return err
	}
	return d.refreshMeta(name, false)
}

// DeleteRange removes every key of a collection inside the closed interval.
func (d *DB) DeleteRange(name string, lower, upper *string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	exists, err := d.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	records, err := jsonl.Select(path, lower, upper)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	if err := jsonl.Delete(path, keys); err != nil {
		return err
	}
	return d.refreshMeta(name, false)
}

// Drop removes a collection's data file and index together, along with its
// metadata entry. Dropping an absent collection is a no-op.
func (d *DB) Drop(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	if err := os.Remove(path + jsonl.IndexSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path+jsonl.IndexSuffix, err)
	}
	return d.removeMeta(name)
}

// Lint compacts a collection and marks it linted.
func (d *DB) Lint(name string) error {
	path, err := d.Path(name)
	if err != nil {
		return err
	}
	exists, err := d.Exists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := jsonl.Lint(path); err != nil {
		return err
	}
	return d.refreshMeta(name, true)
}

// LintAll compacts every collection, then the metadata store itself, and
// prunes directories left empty by dropped collections.
func (d *DB) LintAll() error {
	names, err := d.List()
	if err != nil {
		return err
	}
	failed := map[string]error{}
	for _, name := range names {
		if err := d.Lint(name); err != nil {
			failed[name] = err
		}
	}
	if err := jsonl.Lint(d.metaPath()); err != nil {
		return err
	}
	if d.opts.HierarchyDelimiter != "" {
		if err := d.pruneEmptyDirs(); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return &MultiError{Op: "lint", Failed: failed}
	}
	return nil
}

// SaveAll overwrites several collections in one call. Each collection is
// independent; failures are collected per collection.
func (d *DB) SaveAll(collections map[string]map[string]jsonl.Object) error {
	return d.eachCollection("save", collections, d.Save)
}

// UpsertAll updates or inserts into several collections in one call.
func (d *DB) UpsertAll(collections map[string]map[string]jsonl.Object) error {
	return d.eachCollection("upsert", collections, d.Upsert)
}

func (d *DB) eachCollection(op string, collections map[string]map[string]jsonl.Object, fn func(string, map[string]jsonl.Object) error) error {
	failed := map[string]error{}
	for _, name := range sortedNames(collections) {
		if err := fn(name, collections[name]); err != nil {
			failed[name] = err
		}
	}
	if len(failed) > 0 {
		return &MultiError{Op: op, Failed: failed}
	}
	return nil
}

// GetAll returns the records of several collections within a key range, as a
// per-collection result map. A nil names slice means every collection.
// Collections that fail are reported in a [*MultiError] alongside the
// partial result.
func (d *DB) GetAll(names []string, lower, upper *string) (map[string]map[string]jsonl.Object, error) {
	if names == nil {
		var err error
		if names, err = d.List(); err != nil {
			return nil, err
		}
	}
	result := make(map[string]map[string]jsonl.Object, len(names))
	failed := map[string]error{}
	for _, name := range names {
		records, err := d.Get(name, lower, upper)
		if err != nil {
			failed[name] = err
			continue
		}
		result[name] = records
	}
	if len(failed) > 0 {
		return result, &MultiError{Op: "get", Failed: failed}
	}
	return result, nil
}

// DeleteRangeAll removes a key range from several collections.
func (d *DB) DeleteRangeAll(names []string, lower, upper *string) error {
	failed := map[string]error{}
	for _, name := range names {
		if err := d.DeleteRange(name, lower, upper); err != nil {
			failed[name] = err
		}
	}
	if len(failed) > 0 {
		return &MultiError{Op: "delete range", Failed: failed}
	}
	return nil
}

// pruneEmptyDirs removes directories left empty under the folder root,
// bottom up.
func (d *DB) pruneEmptyDirs() error {
	var dirs []string
	err := filepath.WalkDir(d.dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() || path == d.dir {
			return nil
		}
		// Leave hidden directories (like .git) alone.
		if strings.HasPrefix(e.Name(), ".") {
			return fs.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", d.dir, err)
	}
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", dir, err)
		}
		if len(entries) == 0 {
			if err := os.Remove(dir); err != nil {
				return fmt.Errorf("failed to remove empty directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
