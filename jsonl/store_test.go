package jsonl

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testRecords() map[string]Object {
	return map[string]Object{
		"a": {"v": 1.0},
		"b": {"v": 2.0},
		"c": {"v": 3.0, "name": "gamma"},
	}
}

func setupStore(t *testing.T, records map[string]Object) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := Save(path, records); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return path
}

func mustLoad(t *testing.T, path string) map[string]Object {
	t.Helper()
	records, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return records
}

func ptr(s string) *string {
	return &s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %#v, want %#v", got, want)
	}
}

func TestSaveEmpty(t *testing.T) {
	path := setupStore(t, map[string]Object{})
	if got := mustLoad(t, path); len(got) != 0 {
		t.Errorf("Load of empty store = %#v", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("empty store data file is not empty: %q", data)
	}
}

func TestSaveWritesEachKeyOnce(t *testing.T) {
	path := setupStore(t, testRecords())
	if err := Save(path, testRecords()); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Errorf("data file has %d lines, want 3:\n%s", len(lines), data)
	}
}

func TestIndexOffsetsDecodeToRecord(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	idx, err := ReadIndex(path)
	if err != nil {
		t.Fatalf("ReadIndex failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		_ = f.Close()
	}()
	for k, off := range idx {
		line, err := readLineAt(f, off)
		if err != nil {
			t.Fatalf("readLineAt(%d) failed: %v", off, err)
		}
		key, value, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode at offset %d failed: %v", off, err)
		}
		if key != k || !reflect.DeepEqual(value, want[k]) {
			t.Errorf("offset %d = (%q, %v), want (%q, %v)", off, key, value, k, want[k])
		}
	}
}

func TestLoadWithoutIndexRebuilds(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	if err := os.Remove(path + IndexSuffix); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after index removal = %#v, want %#v", got, want)
	}
	if _, err := os.Stat(path + IndexSuffix); err != nil {
		t.Errorf("index was not rebuilt as a side effect: %v", err)
	}
}

func TestLoadWithCorruptIndexRebuilds(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	if err := os.WriteFile(path+IndexSuffix, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load with corrupt index = %#v, want %#v", got, want)
	}
}

func TestLoadWithStaleOffsetsRebuilds(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	// Point every key at a bogus offset. The file is newer than the data
	// file, so only offset validation can catch this.
	if err := os.WriteFile(path+IndexSuffix, []byte(`{"a":2,"b":9999,"c":17}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load with stale index = %#v, want %#v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.jsonl")); err == nil {
		t.Fatal("Load of a missing store succeeded")
	}
}

func TestLoadSurfacesCorruptData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := os.WriteFile(path, []byte("{\"a\":{\"v\":1}}\ngarbage\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, err := Load(path)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("Load of corrupt data = %v, want *FormatError", err)
	}
}

func TestSelect(t *testing.T) {
	path := setupStore(t, map[string]Object{
		"a": {"v": 1.0},
		"b": {"v": 2.0},
		"c": {"v": 3.0},
		"d": {"v": 4.0},
	})
	tests := []struct {
		name         string
		lower, upper *string
		want         []string
	}{
		{"full range", nil, nil, []string{"a", "b", "c", "d"}},
		{"closed interval", ptr("b"), ptr("c"), []string{"b", "c"}},
		{"single key", ptr("a"), ptr("a"), []string{"a"}},
		{"no lower bound", nil, ptr("b"), []string{"a", "b"}},
		{"no upper bound", ptr("c"), nil, []string{"c", "d"}},
		{"bounds between keys", ptr("aa"), ptr("cc"), []string{"b", "c"}},
		{"empty interval", ptr("x"), ptr("z"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select(path, tt.lower, tt.upper)
			if err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			keys := sortedKeys(got)
			if !reflect.DeepEqual(keys, tt.want) && !(len(keys) == 0 && len(tt.want) == 0) {
				t.Errorf("Select keys = %v, want %v", keys, tt.want)
			}
		})
	}
}

func TestSelectSingleKeyScenario(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	got, err := Select(path, ptr("a"), ptr("a"))
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 1.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Select = %#v, want %#v", got, want)
	}
}

func TestSelectInvertedBounds(t *testing.T) {
	path := setupStore(t, testRecords())
	_, err := Select(path, ptr("z"), ptr("a"))
	var re *RangeError
	if !errors.As(err, &re) {
		t.Fatalf("Select with inverted bounds = %v, want *RangeError", err)
	}
}

func TestUpdateScenario(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	if err := Update(path, map[string]Object{"a": {"v": 99.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 99.0}, "b": {"v": 2.0}}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after Update = %#v, want %#v", got, want)
	}
}

func TestUpdateSameLengthOverwritesInPlace(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	// {"a":{"v":7}} encodes to the same length as {"a":{"v":1}}.
	if err := Update(path, map[string]Object{"a": {"v": 7.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if after.Size() != before.Size() {
		t.Errorf("file grew on a same-length update: %d -> %d", before.Size(), after.Size())
	}
	if got := mustLoad(t, path)["a"]["v"]; got != 7.0 {
		t.Errorf("a.v = %v, want 7", got)
	}
}

func TestUpdateChangedLengthAppends(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := Update(path, map[string]Object{"a": {"v": 12345.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if after.Size() <= before.Size() {
		t.Errorf("file did not grow on a changed-length update: %d -> %d", before.Size(), after.Size())
	}
	// The old line is dead space; the index must resolve to the new value.
	want := map[string]Object{"a": {"v": 12345.0}, "b": {"v": 2.0}}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after Update = %#v, want %#v", got, want)
	}
}

func TestUpdateNewKeyAppends(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}})
	if err := Update(path, map[string]Object{"z": {"v": 26.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 1.0}, "z": {"v": 26.0}}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after Update = %#v, want %#v", got, want)
	}
}

func TestUpdateIdempotent(t *testing.T) {
	path := setupStore(t, testRecords())
	update := map[string]Object{"a": {"v": 100.0, "extra": "much longer than before"}, "b": {"v": 2.0}}
	if err := Update(path, update); err != nil {
		t.Fatalf("first Update failed: %v", err)
	}
	once := mustLoad(t, path)
	if err := Update(path, update); err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if twice := mustLoad(t, path); !reflect.DeepEqual(once, twice) {
		t.Errorf("Update is not idempotent: %#v vs %#v", once, twice)
	}
}

func TestUpdateRejectsMalformedRecordBeforeWriting(t *testing.T) {
	path := setupStore(t, testRecords())
	before := mustLoad(t, path)
	err := Update(path, map[string]Object{
		"a":   {"v": 2.0},
		"bad": {"fn": func() {}}, // not JSON-serializable
	})
	if err == nil {
		t.Fatal("Update accepted an unserializable record")
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, before) {
		t.Errorf("failed Update mutated the store: %#v", got)
	}
}

func TestUpdateRecoversFromStaleIndex(t *testing.T) {
	path := setupStore(t, testRecords())
	if err := os.WriteFile(path+IndexSuffix, []byte(`{"a":4,"b":0,"c":9999}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Update(path, map[string]Object{"b": {"v": 20.0}}); err != nil {
		t.Fatalf("Update with stale index failed: %v", err)
	}
	if got := mustLoad(t, path)["b"]["v"]; got != 20.0 {
		t.Errorf("b.v = %v, want 20", got)
	}
}

func TestDeleteScenario(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	if err := Delete(path, []string{"a"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	want := map[string]Object{"b": {"v": 2.0}}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after Delete = %#v, want %#v", got, want)
	}
	idx, err := ReadIndex(path)
	if err != nil {
		t.Fatalf("ReadIndex failed: %v", err)
	}
	if _, ok := idx["a"]; ok {
		t.Error("deleted key still present in index")
	}
}

func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	want := testRecords()
	path := setupStore(t, want)
	if err := Delete(path, []string{"nope", "also-nope"}); err != nil {
		t.Fatalf("Delete of absent keys failed: %v", err)
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after no-op Delete = %#v, want %#v", got, want)
	}
}

func TestDeleteMixedPresentAbsent(t *testing.T) {
	path := setupStore(t, testRecords())
	if err := Delete(path, []string{"b", "nope"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 1.0}, "c": {"v": 3.0, "name": "gamma"}}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Load after Delete = %#v, want %#v", got, want)
	}
}

func TestDeleteAllKeys(t *testing.T) {
	path := setupStore(t, testRecords())
	if err := Delete(path, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got := mustLoad(t, path); len(got) != 0 {
		t.Errorf("Load after deleting everything = %#v", got)
	}
}

func TestLintReclaimsDeadSpace(t *testing.T) {
	path := setupStore(t, map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}})
	// Grow the file with append-style updates.
	for i := 0; i < 5; i++ {
		if err := Update(path, map[string]Object{"a": {"v": 1.0, "pad": strings.Repeat("x", 10+i)}}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	grown, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	before := mustLoad(t, path)
	if err := Lint(path); err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	compacted, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if compacted.Size() >= grown.Size() {
		t.Errorf("Lint did not reclaim dead space: %d -> %d", grown.Size(), compacted.Size())
	}
	if got := mustLoad(t, path); !reflect.DeepEqual(got, before) {
		t.Errorf("Lint changed the records: %#v vs %#v", got, before)
	}
}

func TestLintIdempotent(t *testing.T) {
	path := setupStore(t, testRecords())
	if err := Update(path, map[string]Object{"b": {"v": 2.0, "grown": true}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := Lint(path); err != nil {
		t.Fatalf("first Lint failed: %v", err)
	}
	data1, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	idx1, err := os.ReadFile(path + IndexSuffix)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := Lint(path); err != nil {
		t.Fatalf("second Lint failed: %v", err)
	}
	data2, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	idx2, err := os.ReadFile(path + IndexSuffix)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data1) != string(data2) {
		t.Errorf("second Lint changed the data file:\n%s\nvs\n%s", data1, data2)
	}
	if string(idx1) != string(idx2) {
		t.Errorf("second Lint changed the index file:\n%s\nvs\n%s", idx1, idx2)
	}
}

func TestLintSortsPhysicalOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	// Write keys out of order, bypassing Save.
	raw := "{\"c\":{\"v\":3}}\n{\"a\":{\"v\":1}}\n{\"b\":{\"v\":2}}\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := Lint(path); err != nil {
		t.Fatalf("Lint failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := "{\"a\":{\"v\":1}}\n{\"b\":{\"v\":2}}\n{\"c\":{\"v\":3}}\n"
	if string(data) != want {
		t.Errorf("linted file = %q, want %q", data, want)
	}
}

func TestPlaceLine(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		oldLen int
		newLen int
		want   placement
	}{
		{"same length", true, 14, 14, placeOverwrite},
		{"shorter", true, 14, 10, placeAppend},
		{"longer", true, 14, 20, placeAppend},
		{"new key", false, 0, 14, placeAppend},
		{"new key zero lengths", false, 0, 0, placeAppend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := placeLine(tt.exists, tt.oldLen, tt.newLen); got != tt.want {
				t.Errorf("placeLine(%v, %d, %d) = %v, want %v", tt.exists, tt.oldLen, tt.newLen, got, tt.want)
			}
		})
	}
}

func TestUpdateTerminatesFinalLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := os.WriteFile(path, []byte(`{"a":{"v":1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildIndex(path); err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	if err := Update(path, map[string]Object{"b": {"v": 2.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 1.0}, "b": {"v": 2.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %#v, want %#v", got, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("data file has %d newlines, want 2:\n%s", n, data)
	}
}

func TestUpdateInPlaceOnFinalLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := os.WriteFile(path, []byte(`{"a":{"v":1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildIndex(path); err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}

	// Same encoded length as the existing record.
	if err := Update(path, map[string]Object{"a": {"v": 2.0}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := map[string]Object{"a": {"v": 2.0}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load = %#v, want %#v", got, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":{"v":2}}`+"\n" {
		t.Errorf("data file = %q", data)
	}
}

func TestKeysByOffset(t *testing.T) {
	idx := map[string]int64{
		"near": 10,
		"far":  1 << 40,
		"mid":  int64(1)<<31 + 5,
		"skip": 20,
	}
	got := keysByOffset(idx, map[string]struct{}{"skip": {}})
	want := []string{"near", "mid", "far"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("keysByOffset = %v, want %v", got, want)
	}
}
