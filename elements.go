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

package memproc

import (
	"time"

	"github.com/google/uuid"
)

// Document type discriminators.
const (
	TypeSession   = "session"
	TypePlugin    = "plugin"
	TypeComment   = "comment"
	TypeFile      = "file"
	TypeDatastore = "datastore"
)

// Session lifecycle statuses.
const (
	SessionProcessing       = "Processing"
	SessionDetectingProfile = "Detecting Profile"
	SessionCalculatingHash  = "Calculating MD5"
	SessionComplete         = "Complete"
)

// Plugin run statuses. The zero value means the plugin was never run.
const (
	RunUnset      = ""
	RunProcessing = "processing"
	RunCompleted  = "completed"
	RunError      = "error"
)

// Artifact tags.
const (
	TagPluginOutput = "plugin-output"
	TagExtraUpload  = "extra-upload"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

// Now returns the current time in the document timestamp format.
func Now() string {
	return time.Now().UTC().Format(timeFormat)
}

// ResultTable is the uniform shape of normalized plugin output. Every row
// has the same arity as Columns and the first column holds a 1-based
// sequence number injected during normalization.
type ResultTable struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// A Session represents one registered memory image.
type Session struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ImagePath   string            `json:"image_path"`
	Profile     string            `json:"profile,omitempty"`
	FileHash    string            `json:"file_hash,omitempty"`
	Status      string            `json:"status,omitempty"`
	ImageInfo   map[string]string `json:"image_info,omitempty"`
	Created     string            `json:"created,omitempty"`
	Modified    string            `json:"modified,omitempty"`
}

// NewSession creates a Session document for an image path.
func NewSession(name, imagePath string) *Session {
	return &Session{
		ID:        "session--" + uuid.New().String(),
		Type:      TypeSession,
		Name:      name,
		ImagePath: imagePath,
		Status:    SessionProcessing,
		Created:   Now(),
		Modified:  Now(),
	}
}

// A PluginRun is the record for one (session, plugin) pair. At most one
// exists per pair; re-running a plugin overwrites this record in place.
type PluginRun struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Session   string       `json:"session"`
	Name      string       `json:"name"`
	Help      string       `json:"help,omitempty"`
	Status    string       `json:"status,omitempty"`
	LastRun   string       `json:"last_run,omitempty"`
	Heartbeat string       `json:"heartbeat,omitempty"`
	Message   string       `json:"message,omitempty"`
	Result    *ResultTable `json:"result,omitempty"`
	Bookmarks []int        `json:"bookmarks,omitempty"`
	// Supplements holds lazily expanded per-row sub-results, keyed
	// "hive_keys_<row>".
	Supplements map[string]*ResultTable `json:"supplements,omitempty"`
}

// NewPluginRun creates an unset PluginRun for a session and plugin name.
func NewPluginRun(sessionID, name, help string) *PluginRun {
	return &PluginRun{
		ID:      "plugin--" + uuid.New().String(),
		Type:    TypePlugin,
		Session: sessionID,
		Name:    name,
		Help:    help,
	}
}

// A Comment is a free-text annotation on a session, append-only.
type Comment struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Session string `json:"session"`
	Text    string `json:"text"`
	Created string `json:"created"`
}

// NewComment creates a Comment document.
func NewComment(sessionID, text string) *Comment {
	return &Comment{
		ID:      "comment--" + uuid.New().String(),
		Type:    TypeComment,
		Session: sessionID,
		Text:    text,
		Created: Now(),
	}
}

// An ArtifactFile is the metadata record for a stored binary artifact. The
// payload itself lives content addressed in the artifact store; artifacts
// with identical bytes share one payload but keep separate metadata records.
type ArtifactFile struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Name    string                 `json:"name"`
	Session string                 `json:"session,omitempty"`
	Plugin  string                 `json:"plugin,omitempty"`
	Tag     string                 `json:"tag,omitempty"`
	Size    float64                `json:"size,omitempty"`
	Hashes  map[string]interface{} `json:"hashes,omitempty"`
	Created string                 `json:"created,omitempty"`
}

// NewArtifactFile creates an artifact metadata record.
func NewArtifactFile(name, sessionID, pluginName, tag, sha256 string, size int64) *ArtifactFile {
	return &ArtifactFile{
		ID:      "file--" + uuid.New().String(),
		Type:    TypeFile,
		Name:    name,
		Session: sessionID,
		Plugin:  pluginName,
		Tag:     tag,
		Size:    float64(size),
		Hashes:  map[string]interface{}{"SHA-256": sha256},
		Created: Now(),
	}
}
