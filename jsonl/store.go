// Store operations: save, load, select, update, delete, lint.

package jsonl

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
)

// Save writes records as a fresh data file plus a fresh index, replacing
// whatever was stored at path before. Records are written in ascending key
// order (a Go map carries no order, and a deterministic layout makes repeated
// saves byte-identical). Each key appears exactly once on disk afterward.
//
// The data file is written via temp file + rename, so Save is all-or-nothing.
func Save(path string, records map[string]Object) error {
	keys := sortedKeys(records)
	idx := make(map[string]int64, len(records))
	var buf bytes.Buffer
	for _, k := range keys {
		line, err := Encode(k, records[k])
		if err != nil {
			return err
		}
		idx[k] = int64(buf.Len())
		buf.Write(line)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	return writeIndex(path, idx)
}

// Load returns every record in the store. When the index is present and
// consistent, it seeks to each recorded offset and decodes only those lines,
// in ascending key order. When the index is missing or stale it falls back to
// a full scan and rebuilds the index as a side effect; the result is sorted
// either way.
func Load(path string) (map[string]Object, error) {
	idx, err := currentIndex(path)
	if err != nil {
		if !errors.Is(err, ErrIndexMissing) {
			return nil, err
		}
		slog.Debug("index unavailable, scanning data file", "path", path, "reason", err)
		return loadByScan(path)
	}
	records, err := loadAt(path, idx, sortedKeys(idx))
	if err != nil && errors.Is(err, ErrIndexMissing) {
		slog.Warn("index out of sync with data file, rebuilding", "path", path, "err", err)
		return loadByScan(path)
	}
	return records, err
}

// Select returns the records whose key lies in the closed interval
// [lower, upper] under lexicographic comparison. A nil bound leaves that side
// unbounded. It returns a [*RangeError] when lower sorts after upper.
//
// The index's sorted key set is binary-searched for both bounds, so only the
// matching lines are read.
func Select(path string, lower, upper *string) (map[string]Object, error) {
	if lower != nil && upper != nil && *lower > *upper {
		return nil, &RangeError{Lower: *lower, Upper: *upper}
	}
	idx, err := ensureIndex(path)
	if err != nil {
		return nil, err
	}
	records, err := loadAt(path, idx, rangeKeys(idx, lower, upper))
	if err != nil && errors.Is(err, ErrIndexMissing) {
		slog.Warn("index out of sync with data file, rebuilding", "path", path, "err", err)
		if idx, err = BuildIndex(path); err != nil {
			return nil, err
		}
		records, err = loadAt(path, idx, rangeKeys(idx, lower, upper))
	}
	return records, err
}

// Update applies records to an existing store, one key at a time. A key whose
// new line has exactly the length of its current line is overwritten in
// place; any other key (new, or changed length) is appended to the end of the
// file and its index entry repointed, leaving the old bytes as dead space
// until the next [Lint]. This keeps per-key cost O(1) at the price of file
// growth.
//
// Every record is encoded up front, so a malformed record fails the batch
// before any byte reaches the disk. The index is persisted once after the
// whole batch; an I/O failure partway through returns a [*BatchError]
// enumerating what was and was not applied, with the index persisted for the
// applied keys.
func Update(path string, records map[string]Object) error {
	if len(records) == 0 {
		return nil
	}
	idx, err := ensureIndex(path)
	if err != nil {
		return err
	}
	keys := sortedKeys(records)
	lines := make([][]byte, len(keys))
	for i, k := range keys {
		line, err := Encode(k, records[k])
		if err != nil {
			return err
		}
		lines[i] = line
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open data file for update: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek data file: %w", err)
	}
	// A final line missing its newline (tolerated everywhere on the read
	// side) would glue the first appended record onto it. Terminate it
	// first; readRecordsAt already counts the synthesized newline, so the
	// in-place path stays consistent.
	if end > 0 {
		var last [1]byte
		if _, err := f.ReadAt(last[:], end-1); err != nil {
			return fmt.Errorf("failed to read data file tail: %w", err)
		}
		if last[0] != '\n' {
			if _, err := f.WriteAt([]byte{'\n'}, end); err != nil {
				return fmt.Errorf("failed to terminate final line: %w", err)
			}
			end++
		}
	}

	// Current line lengths for the keys being replaced. A validation failure
	// here means the index is stale; rebuild once and retry.
	current, err := readRecordsAt(f, idx, existingKeys(idx, keys))
	if errors.Is(err, ErrIndexMissing) {
		slog.Warn("index out of sync with data file, rebuilding", "path", path, "err", err)
		if idx, err = BuildIndex(path); err != nil {
			return err
		}
		current, err = readRecordsAt(f, idx, existingKeys(idx, keys))
	}
	if err != nil {
		return err
	}

	batch := &BatchError{Op: "update", Failed: map[string]error{}}
	for i, k := range keys {
		line := lines[i]
		off, exists := idx[k]
		oldLen := 0
		if exists {
			oldLen = len(current[k].line)
		}
		var werr error
		switch placeLine(exists, oldLen, len(line)) {
		case placeOverwrite:
			if _, err := f.WriteAt(line, off); err != nil {
				werr = fmt.Errorf("failed to overwrite record in place: %w", err)
			}
		case placeAppend:
			if _, err := f.WriteAt(line, end); err != nil {
				werr = fmt.Errorf("failed to append record: %w", err)
			} else {
				idx[k] = end
				end += int64(len(line))
			}
		}
		if werr != nil {
			batch.Failed[k] = werr
			batch.Skipped = keys[i+1:]
			break
		}
		batch.Applied = append(batch.Applied, k)
	}

	// One index write for the whole batch. A crash before this point leaves
	// appended lines unreflected in the persisted index; the next rebuild
	// scan recovers them, since the last line for a key wins.
	if err := writeIndex(path, idx); err != nil {
		return err
	}
	if len(batch.Failed) > 0 {
		return batch
	}
	return nil
}

// Delete removes keys from the store. Variable-length text lines cannot be
// holed out in place, so Delete copies every surviving record, in current
// physical order, into a new file that replaces the old one, and rebuilds the
// index without the deleted keys. O(n) in total record count regardless of
// how many keys are removed. Deleting an absent key is a no-op for that key.
func Delete(path string, keys []string) error {
	idx, err := ensureIndex(path)
	if err != nil {
		return err
	}
	doomed := make(map[string]struct{}, len(keys))
	present := false
	for _, k := range keys {
		doomed[k] = struct{}{}
		if _, ok := idx[k]; ok {
			present = true
		}
	}
	if !present {
		return nil
	}

	// Survivors keep their current physical order; only Lint reorders by key.
	survivors := keysByOffset(idx, doomed)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	current, err := readRecordsAt(f, idx, survivors)
	if errors.Is(err, ErrIndexMissing) {
		slog.Warn("index out of sync with data file, rebuilding", "path", path, "err", err)
		if idx, err = BuildIndex(path); err == nil {
			survivors = keysByOffset(idx, doomed)
			current, err = readRecordsAt(f, idx, survivors)
		}
	}
	cerr := f.Close()
	if err != nil {
		return err
	}
	if cerr != nil {
		return fmt.Errorf("failed to close data file: %w", cerr)
	}

	var buf bytes.Buffer
	newIdx := make(map[string]int64, len(survivors))
	for _, k := range survivors {
		newIdx[k] = int64(buf.Len())
		buf.Write(current[k].line)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	return writeIndex(path, newIdx)
}

// Lint compacts the store: every live record is read via the index (dropping
// stale duplicate lines left by append-style updates), re-encoded in
// ascending key order, and written as a fresh data file and index. This is
// the only operation that both reclaims dead space and guarantees physical
// on-disk order matches key order. Linting an already-linted store is a
// byte-identical no-op.
func Lint(path string) error {
	records, err := Load(path)
	if err != nil {
		return err
	}
	return Save(path, records)
}

// placement is the outcome of the per-key update decision.
type placement int

const (
	// placeOverwrite rewrites the existing line in place.
	placeOverwrite placement = iota
	// placeAppend writes the line after the current end of file and repoints
	// the key's index entry.
	placeAppend
)

// placeLine decides where an updated record's line goes. A line is rewritten
// in place only when the new encoding occupies exactly the bytes of the old
// one; any other length would shift every following line, so the new line is
// appended instead.
func placeLine(exists bool, oldLen, newLen int) placement {
	if exists && newLen == oldLen {
		return placeOverwrite
	}
	return placeAppend
}

// rangeKeys returns the index's keys within the closed interval, ascending.
// A nil bound leaves that side unbounded.
func rangeKeys(idx map[string]int64, lower, upper *string) []string {
	keys := sortedKeys(idx)
	lo, hi := 0, len(keys)
	if lower != nil {
		lo = sort.SearchStrings(keys, *lower)
	}
	if upper != nil {
		hi = sort.Search(len(keys), func(i int) bool { return keys[i] > *upper })
	}
	if lo >= hi {
		return nil
	}
	return keys[lo:hi]
}

// record is one line read back from the data file.
type record struct {
	line  []byte // raw line including trailing newline
	value Object
}

// readRecordsAt reads the current line for each key at its indexed offset,
// validating that the offset really holds that key's record. A validation
// failure returns an error wrapping [ErrIndexMissing]: the index no longer
// matches the data file and must be rebuilt.
func readRecordsAt(f *os.File, idx map[string]int64, keys []string) (map[string]record, error) {
	records := make(map[string]record, len(keys))
	for _, k := range keys {
		off, ok := idx[k]
		if !ok {
			continue
		}
		line, err := readLineAt(f, off)
		if err != nil {
			return nil, err
		}
		key, value, derr := Decode(line)
		if derr != nil {
			return nil, fmt.Errorf("%w: offset %d does not decode: %v", ErrIndexMissing, off, derr)
		}
		if key != k {
			return nil, fmt.Errorf("%w: offset %d holds record %q, index says %q", ErrIndexMissing, off, key, k)
		}
		records[k] = record{line: line, value: value}
	}
	return records, nil
}

// loadAt returns the decoded values for keys via their indexed offsets.
func loadAt(path string, idx map[string]int64, keys []string) (map[string]Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	records, err := readRecordsAt(f, idx, keys)
	if err != nil {
		return nil, err
	}
	values := make(map[string]Object, len(records))
	for k, r := range records {
		values[k] = r.value
	}
	return values, nil
}

// loadByScan reads the whole data file and persists a fresh index as a side
// effect.
func loadByScan(path string) (map[string]Object, error) {
	records, idx, err := scanRecords(path)
	if err != nil {
		return nil, err
	}
	if err := writeIndex(path, idx); err != nil {
		return nil, err
	}
	return records, nil
}

// readLineAt reads one newline-terminated line starting at off. The returned
// slice includes the trailing newline when present (the final line of a file
// may lack one).
func readLineAt(f *os.File, off int64) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", ErrIndexMissing, off)
	}
	r := bufio.NewReader(io.NewSectionReader(f, off, math.MaxInt64-off))
	line, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read line at offset %d: %w", off, err)
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("%w: no record at offset %d", ErrIndexMissing, off)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	return line, nil
}

// keysByOffset returns the index's keys ordered by byte offset, skipping
// those in omit.
func keysByOffset(idx map[string]int64, omit map[string]struct{}) []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		if _, ok := omit[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Compare(idx[a], idx[b])
	})
	return keys
}

// existingKeys filters keys down to those present in the index, keeping
// order.
func existingKeys(idx map[string]int64, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := idx[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// writeFileAtomic writes data to path via a temp file in the same directory
// plus a rename, creating parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Join(fmt.Errorf("failed to write temp file: %w", err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp file: %w", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace %s: %w", path, err), os.Remove(tmp.Name()))
	}
	return nil
}
