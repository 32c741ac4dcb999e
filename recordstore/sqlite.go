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
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"github.com/fatih/structs"
	"github.com/google/uuid"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const storeVersion = 1
const applicationID = 1835100530
const discriminator = "type"

// SQLiteStore keeps documents as json rows in a sqlite fts5 table. One
// connection, guarded by a mutex, serializes all mutations.
type SQLiteStore struct {
	url    string
	cursor *sqlite.Conn
	types  *typeMap
	mutex  sync.Mutex
}

var ErrStoreExists = fmt.Errorf("store already exists")
var ErrStoreNotExists = fmt.Errorf("store does not exist")
var ErrNotFound = fmt.Errorf("document does not exist")

// New creates a new record store.
func New(url string) (*SQLiteStore, error) {
	return open(url, true)
}

// Open opens an existing record store.
func Open(url string) (*SQLiteStore, error) {
	return open(url, false)
}

// OpenOrCreate opens the store, creating it when missing.
func OpenOrCreate(url string) (*SQLiteStore, error) {
	store, err := Open(url)
	if err == ErrStoreNotExists {
		return New(url)
	}
	return store, err
}

func open(url string, create bool) (*SQLiteStore, error) { // nolint:gocyclo
	setupSchemaValidation()

	if url != ":memory:" {
		url = strings.TrimRight(url, "/")

		exists := true
		_, err := os.Stat(url)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			exists = false
		}

		if create && exists {
			return nil, ErrStoreExists
		}
		if !create && !exists {
			return nil, ErrStoreNotExists
		}

		if create {
			if err := os.MkdirAll(path.Dir(url), 0750); err != nil {
				return nil, err
			}
			if _, err := os.Create(url); err != nil {
				return nil, err
			}
		}
	}

	store := &SQLiteStore{url: url, types: newTypeMap()}

	var err error
	store.cursor, err = sqlite.OpenConn(url, 0)
	if err != nil {
		return nil, err
	}

	if create {
		if err := setPragma(store.cursor, "application_id", applicationID); err != nil {
			return nil, err
		}
		if err := setPragma(store.cursor, "user_version", storeVersion); err != nil {
			return nil, err
		}
		err = store.exec("CREATE VIRTUAL TABLE `elements` " +
			"USING fts5(id UNINDEXED, json, insert_time UNINDEXED, tokenize=\"unicode61 tokenchars '/.'\")")
		if err != nil {
			return nil, err
		}
	} else {
		id, err := pragma(store.cursor, "application_id")
		if err != nil {
			return nil, err
		}
		if id != applicationID {
			return nil, fmt.Errorf("wrong file format (application_id is %d, requires %d)", id, applicationID)
		}

		version, err := pragma(store.cursor, "user_version")
		if err != nil {
			return nil, err
		}
		if version != storeVersion {
			return nil, fmt.Errorf("wrong file format (user_version is %d, requires %d)", version, storeVersion)
		}
	}

	if err := store.setupTypes(); err != nil {
		return nil, err
	}

	return store, nil
}

func pragma(conn *sqlite.Conn, name string) (int64, error) {
	stmt, err := conn.Prepare("PRAGMA " + name)
	if err != nil {
		return 0, err
	}
	_, err = stmt.Step()
	if err != nil {
		return 0, err
	}
	i := stmt.GetInt64(name)
	return i, stmt.Finalize()
}

func setPragma(conn *sqlite.Conn, name string, i int64) error {
	stmt, err := conn.Prepare("PRAGMA " + name + " = " + fmt.Sprint(i))
	if err != nil {
		return err
	}
	_, err = stmt.Step()
	if err != nil {
		return err
	}
	return stmt.Finalize()
}

/* ################################
#   API
################################ */

// Insert adds a single document.
func (store *SQLiteStore) Insert(doc Document) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insert(doc)
}

func (store *SQLiteStore) insert(doc Document) (string, error) {
	flaws, err := validateSchema(doc)
	if err != nil {
		return "", errors.Wrap(err, "validation failed")
	}
	if len(flaws) > 0 {
		return "", fmt.Errorf("document could not be validated [%s]", strings.Join(flaws, ","))
	}

	fields := map[string]interface{}{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", err
	}

	flat, err := flatten(fields)
	if err != nil {
		return "", errors.Wrap(err, "could not flatten document")
	}

	docType, ok := flat[discriminator]
	if !ok {
		return "", errors.New("document requires a type")
	}

	id, ok := flat["id"]
	if !ok {
		id = docType.(string) + "--" + uuid.New().String()
		fields["id"] = id
		doc, err = json.Marshal(fields)
		if err != nil {
			return "", err
		}
	}

	store.types.addAll(docType.(string), flat)

	stmt, err := store.cursor.Prepare("INSERT INTO `elements` (id, json, insert_time) VALUES ($id, $json, $time)")
	if err != nil {
		return "", errors.Wrap(err, "could not prepare insert")
	}
	stmt.SetText("$id", id.(string))
	stmt.SetText("$json", string(doc))
	stmt.SetText("$time", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	if _, err := stmt.Step(); err != nil {
		return "", errors.Wrap(err, "could not insert document")
	}
	return id.(string), stmt.Finalize()
}

// InsertStruct converts a Go struct to a snake_case map and inserts it.
func (store *SQLiteStore) InsertStruct(element interface{}) (string, error) {
	m := structs.Map(element)
	m = lower(m).(map[string]interface{})
	doc, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return store.Insert(doc)
}

// Get retrieves a single document.
func (store *SQLiteStore) Get(id string) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.get(id)
}

func (store *SQLiteStore) get(id string) (Document, error) {
	stmt, err := store.cursor.Prepare("SELECT json FROM `elements` WHERE id=?")
	if err != nil {
		return nil, err
	}
	stmt.BindText(1, id)

	docs, err := rowsToDocuments(stmt)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Update merges a partial document into the stored document. Scalar fields
// and nested slices in the partial document replace the stored values;
// absent fields are kept.
func (store *SQLiteStore) Update(id string, partial Document) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current, err := store.get(id)
	if err != nil {
		return err
	}

	var base, changes map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return err
	}
	if err := json.Unmarshal(partial, &changes); err != nil {
		return errors.Wrap(err, "invalid partial document")
	}

	if err := mergo.Merge(&base, changes, mergo.WithOverride); err != nil {
		return errors.Wrap(err, "could not merge documents")
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return err
	}
	return store.replace(id, merged)
}

// Replace overwrites a document entirely.
func (store *SQLiteStore) Replace(id string, doc Document) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.replace(id, doc)
}

func (store *SQLiteStore) replace(id string, doc Document) error {
	flaws, err := validateSchema(doc)
	if err != nil {
		return errors.Wrap(err, "validation failed")
	}
	if len(flaws) > 0 {
		return fmt.Errorf("document could not be validated [%s]", strings.Join(flaws, ","))
	}

	fields := map[string]interface{}{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return err
	}
	if flat, err := flatten(fields); err == nil {
		if docType, ok := flat[discriminator]; ok {
			store.types.addAll(docType.(string), flat)
		}
	}

	stmt, err := store.cursor.Prepare("UPDATE `elements` SET json=$json WHERE id=$id")
	if err != nil {
		return errors.Wrap(err, "could not prepare update")
	}
	stmt.SetText("$json", string(doc))
	stmt.SetText("$id", id)
	if _, err := stmt.Step(); err != nil {
		return errors.Wrap(err, "could not update document")
	}
	return stmt.Finalize()
}

// Delete removes a document.
func (store *SQLiteStore) Delete(id string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	stmt, err := store.cursor.Prepare("DELETE FROM `elements` WHERE id=$id")
	if err != nil {
		return errors.Wrap(err, "could not prepare delete")
	}
	stmt.SetText("$id", id)
	if _, err := stmt.Step(); err != nil {
		return errors.Wrap(err, "could not delete document")
	}
	return stmt.Finalize()
}

// Select retrieves all documents matching any condition.
func (store *SQLiteStore) Select(conditions []map[string]string) ([]Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var ors []string
	for _, condition := range conditions {
		var ands []string
		for key, value := range condition {
			ands = append(ands, fmt.Sprintf("json_extract(json, '$.%s') LIKE '%s'", key, value))
		}
		sort.Strings(ands)
		if len(ands) > 0 {
			ors = append(ors, "("+strings.Join(ands, " AND ")+")")
		}
	}

	query := "SELECT json FROM \"elements\""
	if len(ors) > 0 {
		query += fmt.Sprintf(" WHERE %s", strings.Join(ors, " OR ")) // #nosec
	}

	stmt, err := store.cursor.Prepare(query) // #nosec
	if err != nil {
		return nil, err
	}
	return rowsToDocuments(stmt)
}

// All returns every document.
func (store *SQLiteStore) All() ([]Document, error) {
	return store.Select(nil)
}

// Search runs a full text query over all documents.
func (store *SQLiteStore) Search(query string) ([]Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	stmt, err := store.cursor.Prepare("SELECT json FROM elements WHERE elements = $query")
	if err != nil {
		return nil, err
	}
	stmt.SetText("$query", query)
	return rowsToDocuments(stmt)
}

// Close creates per type views for ad hoc queries and closes the database.
func (store *SQLiteStore) Close() error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if store.types.changed {
		_ = store.createViews()
	}
	return store.cursor.Close()
}

/* ################################
#   Intern
################################ */

func (store *SQLiteStore) createViews() error {
	for typeName, fields := range store.types.all() {
		if err := store.exec(fmt.Sprintf("DROP VIEW IF EXISTS '%s'", typeName)); err != nil {
			return err
		}
		var columns []string
		for field := range fields {
			columns = append(columns, fmt.Sprintf("json_extract(json, '$.%s') as '%s'", field, field))
		}
		sort.Strings(columns)
		err := store.exec(
			fmt.Sprintf("CREATE VIEW '%s' AS SELECT %s FROM elements WHERE json_extract(json, '$.%s') = '%s'",
				typeName, strings.Join(columns, ", "), discriminator, typeName),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func rowsToDocuments(stmt *sqlite.Stmt) ([]Document, error) {
	docs := []Document{}
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return nil, err
		} else if !hasRow {
			break
		}
		docs = append(docs, Document(stmt.GetText("json")))
	}
	return docs, stmt.Finalize()
}

func (store *SQLiteStore) setupTypes() error {
	stmt, err := store.cursor.Prepare("SELECT id, json FROM `elements`")
	if err != nil {
		return err
	}
	for {
		if hasRow, err := stmt.Step(); err != nil {
			return err
		} else if !hasRow {
			break
		}
		doc := stmt.GetText("json")
		docType := gjson.Get(doc, discriminator)
		if !docType.Exists() {
			continue
		}
		fields := map[string]interface{}{}
		if err := json.Unmarshal([]byte(doc), &fields); err != nil {
			continue
		}
		if flat, err := flatten(fields); err == nil {
			store.types.addAll(docType.String(), flat)
		}
	}
	if err := stmt.Finalize(); err != nil {
		return err
	}
	store.types.changed = false
	return nil
}

func (store *SQLiteStore) exec(query string) error {
	stmt, err := store.cursor.Prepare(query)
	if err != nil {
		return err
	}
	if _, err := stmt.Step(); err != nil {
		return err
	}
	return stmt.Finalize()
}
