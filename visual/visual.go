// Package visual projects store indexes onto numeric axes for plotting.
//
// It reads the side index of a data file and maps each key to an x
// coordinate and its physical position to a sequence number. Keys that
// parse as RFC 3339 timestamps map to unix seconds, numeric keys map to
// their value, and everything else is folded into a stable number from
// its bytes. The package never touches the data file itself; a missing
// or stale index is repaired through the usual rebuild path.
package visual

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/leiwu0227/jsonldb/folderdb"
	"github.com/leiwu0227/jsonldb/jsonl"
)

// Point is one record's position in a store.
//
// X is the key projected onto a number. Seq is the record's rank in the
// physical file order, starting at 0.
type Point struct {
	Key string
	X   float64
	Seq int
}

// Points maps every key in the index of the data file at path to a
// [Point], ordered by byte offset. A missing or stale index is rebuilt
// first, exactly as the store operations do.
func Points(path string) ([]Point, error) {
	idx, err := jsonl.ReadIndex(path)
	if err != nil {
		return nil, fmt.Errorf("read index of %q: %w", path, err)
	}
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return idx[keys[i]] < idx[keys[j]] })
	pts := make([]Point, len(keys))
	for i, k := range keys {
		pts[i] = Point{Key: k, X: KeyValue(k), Seq: i}
	}
	return pts, nil
}

// FolderPoints collects [Points] for every collection in db, keyed by
// collection name.
func FolderPoints(db *folderdb.DB) (map[string][]Point, error) {
	names, err := db.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Point, len(names))
	for _, name := range names {
		path, err := db.Path(name)
		if err != nil {
			return nil, err
		}
		pts, err := Points(path)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", name, err)
		}
		out[name] = pts
	}
	return out, nil
}

// KeyValue projects a key onto a number. Numeric keys return their
// value and RFC 3339 keys return unix seconds, so stores keyed either
// way plot on a meaningful axis. Other keys fold their bytes into a
// number that at least separates distinct keys most of the time.
func KeyValue(key string) float64 {
	if v, err := strconv.ParseFloat(key, 64); err == nil {
		return v
	}
	if t, err := jsonl.ParseCanonicalKeyTime(key); err == nil {
		return float64(t.Unix())
	}
	return foldBytes(key)
}

// foldBytes is an FNV-1a fold of the key bytes, truncated so the value
// survives the round trip through float64.
func foldBytes(key string) float64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h uint64 = offset
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= prime
	}
	return float64(h >> 12)
}
