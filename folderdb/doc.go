// Package folderdb maps named collections onto a directory of jsonl stores.
//
// Each collection is one data file plus its side index, created on first save
// and removed together on drop. Collection names are flat by default; when a
// hierarchy delimiter is configured (see [Options]), dot-separated name
// segments map onto nested subdirectories, so "logs.2024.app" becomes
// logs/2024/app.jsonl.
//
// The directory maintains a db.meta file (itself a jsonl store) holding
// derived metadata per collection: byte size, record count, minimum and
// maximum key, and a linted flag that any structural mutation clears and only
// a successful lint sets. Metadata is recomputed after each mutation through
// this package; [DB.Watch] additionally refreshes it when files change
// underneath, e.g. after a version-control restore.
//
// Batched multi-collection calls are independent per collection: there is no
// cross-store atomicity, and a [*MultiError] enumerates which collections
// failed while the rest were applied.
package folderdb
