// Derived per-collection metadata, kept in db.meta (itself a jsonl store).

package folderdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leiwu0227/jsonldb/jsonl"
)

// MetaFile is the metadata store, relative to the folder root.
const MetaFile = "db.meta"

// Meta is the derived metadata of one collection, recomputed after each
// mutation through this package.
type Meta struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size"`
	Count     int    `json:"count"`
	MinKey    string `json:"min_key"`
	MaxKey    string `json:"max_key"`
	Linted    bool   `json:"linted"`
	LintTime  string `json:"lint_time,omitempty"` // RFC3339, set by the last successful lint
}

func (d *DB) metaPath() string {
	return filepath.Join(d.dir, MetaFile)
}

// computeMeta derives a collection's metadata from its data file and index.
func (d *DB) computeMeta(name string, linted bool) (Meta, error) {
	path, err := d.Path(name)
	if err != nil {
		return Meta{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	idx, err := jsonl.ReadIndex(path)
	if err != nil {
		return Meta{}, err
	}
	meta := Meta{
		Name:      name,
		SizeBytes: fi.Size(),
		Count:     len(idx),
		Linted:    linted,
	}
	if linted {
		meta.LintTime = time.Now().UTC().Format(time.RFC3339)
	}
	if len(idx) > 0 {
		keys := make([]string, 0, len(idx))
		for k := range idx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta.MinKey = keys[0]
		meta.MaxKey = keys[len(keys)-1]
	}
	return meta, nil
}

// refreshMeta recomputes one collection's entry in db.meta.
func (d *DB) refreshMeta(name string, linted bool) error {
	meta, err := d.computeMeta(name, linted)
	if err != nil {
		return err
	}
	obj, err := toObject(meta)
	if err != nil {
		return err
	}
	return d.upsertMetaStore(map[string]jsonl.Object{name: obj})
}

// removeMeta drops one collection's entry from db.meta.
func (d *DB) removeMeta(name string) error {
	if _, err := os.Stat(d.metaPath()); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return jsonl.Delete(d.metaPath(), []string{name})
}

// RebuildMeta recomputes db.meta for every collection from scratch, dropping
// entries for collections that no longer exist.
func (d *DB) RebuildMeta() error {
	names, err := d.List()
	if err != nil {
		return err
	}
	all := make(map[string]jsonl.Object, len(names))
	for _, name := range names {
		// A rebuild cannot tell whether a store was linted; assume not and
		// let the next LintAll set the flag.
		meta, err := d.computeMeta(name, false)
		if err != nil {
			return err
		}
		obj, err := toObject(meta)
		if err != nil {
			return err
		}
		all[name] = obj
	}
	return jsonl.Save(d.metaPath(), all)
}

// Meta returns one collection's metadata.
func (d *DB) Meta(name string) (Meta, error) {
	records, err := jsonl.Select(d.metaPath(), &name, &name)
	if err != nil {
		return Meta{}, err
	}
	obj, ok := records[name]
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return metaFromObject(obj)
}

// AllMeta returns the metadata of every collection, keyed by name.
func (d *DB) AllMeta() (map[string]Meta, error) {
	records, err := jsonl.Load(d.metaPath())
	if err != nil {
		return nil, err
	}
	all := make(map[string]Meta, len(records))
	for name, obj := range records {
		meta, err := metaFromObject(obj)
		if err != nil {
			return nil, fmt.Errorf("metadata for %s: %w", name, err)
		}
		all[name] = meta
	}
	return all, nil
}

// String renders a human-readable listing of the folder's collections.
func (d *DB) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FolderDB at %s\n", d.dir)
	b.WriteString(strings.Repeat("-", 50) + "\n")
	all, err := d.AllMeta()
	if err != nil {
		fmt.Fprintf(&b, "metadata unavailable: %v\n", err)
		return b.String()
	}
	fmt.Fprintf(&b, "Found %d collection(s)\n\n", len(all))
	for _, name := range sortedNames(all) {
		m := all[name]
		fmt.Fprintf(&b, "%s:\n", name)
		fmt.Fprintf(&b, "  Size: %d bytes\n", m.SizeBytes)
		fmt.Fprintf(&b, "  Count: %d\n", m.Count)
		fmt.Fprintf(&b, "  Key range: %s to %s\n", m.MinKey, m.MaxKey)
		fmt.Fprintf(&b, "  Linted: %t\n\n", m.Linted)
	}
	return b.String()
}

// upsertMetaStore writes entries into db.meta, creating it on first use.
func (d *DB) upsertMetaStore(entries map[string]jsonl.Object) error {
	if _, err := os.Stat(d.metaPath()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", d.metaPath(), err)
		}
		return jsonl.Save(d.metaPath(), entries)
	}
	return jsonl.Update(d.metaPath(), entries)
}

// toObject converts a struct to the store's value domain via its JSON form.
func toObject(v any) (jsonl.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var obj jsonl.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return obj, nil
}

func metaFromObject(obj jsonl.Object) (Meta, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return meta, nil
}
