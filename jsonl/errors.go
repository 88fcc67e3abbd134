package jsonl

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrIndexMissing signals that the side index is absent, unreadable, or out
// of sync with its data file. It is repaired automatically by rebuilding the
// index from the data file, so callers of the exported API should never see
// it unless the data file itself is gone.
var ErrIndexMissing = errors.New("index missing or stale")

// FormatError reports a line that does not conform to the on-disk grammar:
// one JSON object per line with exactly one top-level field whose value is a
// JSON object.
type FormatError struct {
	Line   string // offending line, truncated for display
	Reason string
	err    error
}

func (e *FormatError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	if line == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %q: %s", line, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.err
}

// RangeError reports an inverted key range passed to [Select].
type RangeError struct {
	Lower, Upper string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid key range: lower bound %q sorts after upper bound %q", e.Lower, e.Upper)
}

// BatchError reports a batched mutation that was only partially applied.
//
// Batched key-level operations are not atomic: when one key fails partway
// through, earlier keys have already reached the data file and later keys
// were never attempted. The index is persisted for the applied keys, so the
// store remains self-consistent; the caller decides whether to retry the
// rest.
type BatchError struct {
	Op      string           // operation that failed, e.g. "update"
	Applied []string         // keys whose mutation reached the data file
	Failed  map[string]error // keys whose mutation failed
	Skipped []string         // keys not attempted after the first failure
}

func (e *BatchError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s partially applied: %d ok, %d failed (%s), %d skipped",
		e.Op, len(e.Applied), len(e.Failed), strings.Join(keys, ", "), len(e.Skipped))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
