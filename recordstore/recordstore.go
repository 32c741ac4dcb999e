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

// Package recordstore provides a document oriented persistence layer for
// analysis sessions, plugin runs, comments, artifact metadata and generic
// datastore documents. Documents are json objects discriminated by a "type"
// field and stored in a sqlite full text table.
package recordstore

// Document is a single json document in the store.
type Document []byte

// Store is the persistence contract the pipeline writes through. It is the
// sole point of serialization for session and run mutations: Update merges
// a partial document atomically with respect to other store operations.
type Store interface {
	// Insert adds a document and returns its id. An id is generated when
	// the document has none.
	Insert(doc Document) (string, error)

	// InsertStruct converts a Go struct to a snake_case document and
	// inserts it.
	InsertStruct(element interface{}) (string, error)

	// Get retrieves a single document.
	Get(id string) (Document, error)

	// Update merges a partial document into an existing one. Fields
	// absent from the partial document are kept.
	Update(id string, partial Document) error

	// Replace overwrites a document entirely.
	Replace(id string, doc Document) error

	// Delete removes a document.
	Delete(id string) error

	// Select retrieves documents matching any of the given conditions;
	// each condition is a conjunction of field/value matches.
	Select(conditions []map[string]string) ([]Document, error)

	// All returns every document.
	All() ([]Document, error)

	// Search runs a full text query over all documents.
	Search(query string) ([]Document, error)

	// Close persists remaining state and closes the store.
	Close() error
}
