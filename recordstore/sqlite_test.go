// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package recordstore

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"new file", filepath.Join(dir, "records.db"), false},
		{"existing file", filepath.Join(dir, "records.db"), true},
		{"in memory", ":memory:", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if store != nil {
				store.Close()
			}
		})
	}
}

func TestOpenOrCreate(t *testing.T) {
	url := filepath.Join(t.TempDir(), "records.db")

	store, err := OpenOrCreate(url)
	require.NoError(t, err)
	id, err := store.Insert(Document(`{"type": "session", "name": "w1"}`))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = OpenOrCreate(url)
	require.NoError(t, err)
	defer store.Close()

	doc, err := store.Get(id)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"w1"`)
}

func TestSQLiteStore_Insert(t *testing.T) {
	store := testStore(t)

	tests := []struct {
		name    string
		doc     string
		want    string
		wantErr bool
	}{
		{"generated id", `{"type": "session", "name": "w1"}`, "session--", false},
		{"kept id", `{"type": "plugin", "id": "plugin--0001", "name": "pslist"}`, "plugin--0001", false},
		{"missing type", `{"name": "w1"}`, "", true},
		{"invalid json", `{"type": `, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Insert(Document(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("Insert() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && !strings.HasPrefix(got, tt.want) {
				t.Errorf("Insert() = %v, want prefix %v", got, tt.want)
			}
		})
	}
}

func TestSQLiteStore_InsertStruct(t *testing.T) {
	store := testStore(t)

	element := struct {
		Type      string
		ImagePath string
		FileHash  string
		Empty     string
	}{Type: "session", ImagePath: "/images/w1.raw", FileHash: "abc"}

	id, err := store.InsertStruct(element)
	require.NoError(t, err)

	doc, err := store.Get(id)
	require.NoError(t, err)

	fields := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(doc, &fields))
	// keys are snake_case, empty values dropped
	assert.Equal(t, "/images/w1.raw", fields["image_path"])
	assert.Equal(t, "abc", fields["file_hash"])
	_, ok := fields["empty"]
	assert.False(t, ok)
}

func TestSQLiteStore_InsertStruct_HashKeysKept(t *testing.T) {
	store := testStore(t)

	element := struct {
		Type   string
		Name   string
		Hashes map[string]interface{}
	}{
		Type: "file", Name: "dump.bin",
		Hashes: map[string]interface{}{
			"SHA-256": "50d858e0985ecc7f60418aaf0cc5ab587f42c2570a884095a9e8ccacd0f6545c",
		},
	}

	id, err := store.InsertStruct(element)
	require.NoError(t, err)

	doc, err := store.Get(id)
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"SHA-256"`)
}

func TestSQLiteStore_Get(t *testing.T) {
	store := testStore(t)

	_, err := store.Get("session--missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Update(t *testing.T) {
	store := testStore(t)

	id, err := store.Insert(Document(`{"type": "session", "name": "w1", "status": "Processing"}`))
	require.NoError(t, err)

	err = store.Update(id, Document(`{"status": "Complete", "profile": "Win7SP1x64"}`))
	require.NoError(t, err)

	doc, err := store.Get(id)
	require.NoError(t, err)

	fields := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(doc, &fields))
	// changed and added fields are merged, untouched fields stay
	assert.Equal(t, "Complete", fields["status"])
	assert.Equal(t, "Win7SP1x64", fields["profile"])
	assert.Equal(t, "w1", fields["name"])

	assert.Error(t, store.Update("session--missing", Document(`{}`)))
}

func TestSQLiteStore_Replace(t *testing.T) {
	store := testStore(t)

	id, err := store.Insert(Document(`{"type": "plugin", "id": "plugin--0001", "name": "pslist", "message": "old"}`))
	require.NoError(t, err)

	err = store.Replace(id, Document(`{"type": "plugin", "id": "plugin--0001", "name": "pslist"}`))
	require.NoError(t, err)

	doc, err := store.Get(id)
	require.NoError(t, err)
	// replace drops fields, unlike update
	assert.NotContains(t, string(doc), "old")
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := testStore(t)

	id, err := store.Insert(Document(`{"type": "session", "name": "w1"}`))
	require.NoError(t, err)

	require.NoError(t, store.Delete(id))
	_, err = store.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_Select(t *testing.T) {
	store := testStore(t)

	docs := []string{
		`{"type": "plugin", "session": "session--1", "name": "pslist"}`,
		`{"type": "plugin", "session": "session--1", "name": "pstree"}`,
		`{"type": "plugin", "session": "session--2", "name": "pslist"}`,
		`{"type": "comment", "session": "session--1", "text": "note"}`,
	}
	for _, doc := range docs {
		_, err := store.Insert(Document(doc))
		require.NoError(t, err)
	}

	got, err := store.Select([]map[string]string{{"type": "plugin", "session": "session--1"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.Select([]map[string]string{{"type": "plugin", "session": "session--1", "name": "pstree"}})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// multiple conditions are a disjunction
	got, err = store.Select([]map[string]string{
		{"type": "comment"},
		{"type": "plugin", "session": "session--2"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := store.All()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSQLiteStore_Search(t *testing.T) {
	store := testStore(t)

	_, err := store.Insert(Document(`{"type": "comment", "text": "suspicious mimikatz process"}`))
	require.NoError(t, err)
	_, err = store.Insert(Document(`{"type": "comment", "text": "clean system"}`))
	require.NoError(t, err)

	got, err := store.Search("mimikatz")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
