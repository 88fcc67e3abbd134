// Package jsonl implements an indexed, line-oriented JSON record store.
//
// # Overview
//
// A store is one UTF-8 text file holding one JSON object per line, each line
// carrying exactly one top-level field: the record key, mapped to the record's
// JSON object value. A side file (data path + ".idx") holds a JSON object
// mapping every key to the byte offset of its current line, giving near-O(1)
// lookups and efficient range scans without reading the whole file.
//
// # Mutation strategy
//
// [Save] and [Lint] rewrite the whole file. [Update] rewrites a line in place
// when the new encoding has exactly the old length, and otherwise appends the
// new line and repoints the index entry, leaving the old bytes as dead space
// that the next [Lint] reclaims. [Delete] copies the surviving records into a
// fresh file. Duplicate-key lines may therefore exist on disk between an
// Update and a Lint; the index always resolves a key to its most recent line.
//
// # Recovery
//
// The data file is the source of truth. The index is derived state: whenever
// it is found missing, unreadable, or older than the data file, it is rebuilt
// by a full scan in which the last occurrence of a key wins. Index writes are
// atomic (temp file + rename), but there is no atomicity spanning the data
// file and the index together; a crash between the two leaves a stale index
// that the next operation repairs.
//
// All operations are synchronous, blocking, and keyed by an explicit file
// path. The package holds no process-wide state and no locks; concurrent or
// multi-process access is out of scope.
package jsonl
