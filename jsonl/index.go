// Side index: ordered key to byte-offset map persisted next to the data file.

package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
)

// IndexSuffix is appended to a data file path to form its index file path.
const IndexSuffix = ".idx"

func indexPath(path string) string {
	return path + IndexSuffix
}

// BuildIndex scans the data file at path and rewrites its side index from
// scratch, returning the new key to byte-offset map. The offset recorded for
// each key is the position before its line; when a key appears on more than
// one line (from prior append-style updates), the last occurrence wins, which
// is what gives those updates their latest-value semantics.
func BuildIndex(path string) (map[string]int64, error) {
	_, idx, err := scanRecords(path)
	if err != nil {
		return nil, err
	}
	if err := writeIndex(path, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ReadIndex returns the key to byte-offset map for the store at path,
// rebuilding the side file first if it is missing or stale. The returned map
// is the caller's to keep; mutating it does not affect the store.
func ReadIndex(path string) (map[string]int64, error) {
	return ensureIndex(path)
}

// scanRecords reads every line of the data file, returning the decoded
// records and a fresh (unpersisted) index. Later lines win over earlier ones
// for the same key.
func scanRecords(path string) (map[string]Object, map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	records := map[string]Object{}
	idx := map[string]int64{}
	r := bufio.NewReaderSize(f, 1<<20)
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			key, value, derr := Decode(line)
			if derr != nil {
				return nil, nil, derr
			}
			records[key] = value
			idx[key] = off
		}
		off += int64(len(line))
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, fmt.Errorf("failed to read data file %s: %w", path, err)
		}
	}
	return records, idx, nil
}

// writeIndex persists the index atomically (temp file + rename), so a crash
// mid-write cannot corrupt what was there before. encoding/json sorts map
// keys, so the same index always serializes to the same bytes.
func writeIndex(path string, idx map[string]int64) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := writeFileAtomic(indexPath(path), data); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}
	return nil
}

// readIndex loads the persisted index without consulting the data file. It
// returns an error wrapping [ErrIndexMissing] when the side file is absent or
// unreadable.
func readIndex(path string) (map[string]int64, error) {
	data, err := os.ReadFile(indexPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexMissing, indexPath(path))
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	var idx map[string]int64
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: undecodable index file %s: %v", ErrIndexMissing, indexPath(path), err)
	}
	if idx == nil {
		idx = map[string]int64{}
	}
	return idx, nil
}

// currentIndex returns the persisted index when it is present and at least as
// new as the data file, and an error wrapping [ErrIndexMissing] otherwise.
// The data file must exist. The mtime comparison alone misses an external
// append landing within the filesystem's timestamp granularity, so the data
// file's size is also checked against where the index's last record ends.
func currentIndex(path string) (map[string]int64, error) {
	di, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	ii, err := os.Stat(indexPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexMissing, indexPath(path))
		}
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}
	if di.ModTime().After(ii.ModTime()) {
		return nil, fmt.Errorf("%w: data file is newer than %s", ErrIndexMissing, indexPath(path))
	}
	idx, err := readIndex(path)
	if err != nil {
		return nil, err
	}
	if err := checkTail(path, di.Size(), idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// checkTail verifies the data file ends where the index's last record ends.
// Bytes past that point can only come from a writer that bypassed this
// package, and may hold keys the index has never seen.
func checkTail(path string, size int64, idx map[string]int64) error {
	if len(idx) == 0 {
		if size > 0 {
			return fmt.Errorf("%w: data file has %d bytes but index is empty", ErrIndexMissing, size)
		}
		return nil
	}
	var maxOff int64
	for _, off := range idx {
		if off > maxOff {
			maxOff = off
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	line, err := readLineAt(f, maxOff)
	if err != nil {
		return err
	}
	end := maxOff + int64(len(line))
	// readLineAt synthesizes a missing final newline.
	if size != end && size != end-1 {
		return fmt.Errorf("%w: data file ends at %d, index expects %d", ErrIndexMissing, size, end)
	}
	return nil
}

// ensureIndex returns a usable index for the store at path, rebuilding the
// side file when it is missing, unreadable, or older than the data file.
func ensureIndex(path string) (map[string]int64, error) {
	idx, err := currentIndex(path)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, ErrIndexMissing) {
		return nil, err
	}
	slog.Debug("rebuilding index", "path", path, "reason", err)
	return BuildIndex(path)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
