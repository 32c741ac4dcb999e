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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/forensicanalysis/memproc/recordstore"
)

// replacement cell for references to a removed artifact.
const fileDeleted = "File Deleted"

// RunManager owns the PluginRun state machine. Run records move
// unset -> processing -> completed or error; a reset returns any run to
// unset. Completed and errored runs may be restarted; the previous result
// stays visible until the new one replaces it.
type RunManager struct {
	records recordstore.Store
	log     *slog.Logger
}

// NewRunManager creates a RunManager on top of a record store.
func NewRunManager(records recordstore.Store) *RunManager {
	return &RunManager{
		records: records,
		log:     slog.Default().With("component", "runmanager"),
	}
}

// CreateRun inserts an unset run record for a session and plugin.
func (m *RunManager) CreateRun(sessionID string, plugin PluginInfo) (*PluginRun, error) {
	run := NewPluginRun(sessionID, plugin.Name, plugin.Help)
	if _, err := m.records.InsertStruct(run); err != nil {
		return nil, errors.Wrapf(err, "could not create run for %s", plugin.Name)
	}
	return run, nil
}

// EnsureRuns inserts unset run records for every plugin that has no record
// in the session yet and returns the newly created ones.
func (m *RunManager) EnsureRuns(sessionID string, plugins []PluginInfo) ([]*PluginRun, error) {
	existing, err := m.RunsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	known := map[string]bool{}
	for _, run := range existing {
		known[run.Name] = true
	}

	var created []*PluginRun
	for _, plugin := range plugins {
		if known[plugin.Name] {
			continue
		}
		run, err := m.CreateRun(sessionID, plugin)
		if err != nil {
			return nil, err
		}
		created = append(created, run)
	}
	return created, nil
}

// GetRun retrieves a run record.
func (m *RunManager) GetRun(id string) (*PluginRun, error) {
	doc, err := m.records.Get(id)
	if err != nil {
		return nil, err
	}
	var run PluginRun
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, errors.Wrapf(err, "could not decode run %s", id)
	}
	return &run, nil
}

// RunsBySession returns all run records of a session, sorted by plugin
// name.
func (m *RunManager) RunsBySession(sessionID string) ([]*PluginRun, error) {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypePlugin, "session": sessionID},
	})
	if err != nil {
		return nil, err
	}

	runs := make([]*PluginRun, 0, len(docs))
	for _, doc := range docs {
		var run PluginRun
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, errors.Wrap(err, "could not decode run")
		}
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name < runs[j].Name })
	return runs, nil
}

// RunBySessionAndName finds the single run record for a (session, plugin)
// pair.
func (m *RunManager) RunBySessionAndName(sessionID, name string) (*PluginRun, error) {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypePlugin, "session": sessionID, "name": name},
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errors.Wrap(recordstore.ErrNotFound, name)
	}
	var run PluginRun
	if err := json.Unmarshal(docs[0], &run); err != nil {
		return nil, errors.Wrapf(err, "could not decode run %s", name)
	}
	return &run, nil
}

// Start moves a run to processing. A run that is already processing cannot
// be started again. A completed or errored run may be restarted; its old
// result stays in place until Complete or Fail replaces it.
func (m *RunManager) Start(id string) error {
	run, err := m.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status == RunProcessing {
		return errors.Errorf("plugin %s is already processing", run.Name)
	}

	partial, err := json.Marshal(map[string]interface{}{
		"status":    RunProcessing,
		"heartbeat": Now(),
	})
	if err != nil {
		return err
	}
	return m.records.Update(id, partial)
}

// Complete stores the result of a processing run and moves it to
// completed. The heartbeat is cleared.
func (m *RunManager) Complete(id string, result *ResultTable, message string) error {
	return m.finish(id, RunCompleted, result, message)
}

// Fail moves a processing run to error with a diagnostic message. Any
// result from a previous run is discarded.
func (m *RunManager) Fail(id, message string) error {
	return m.finish(id, RunError, nil, message)
}

func (m *RunManager) finish(id, status string, result *ResultTable, message string) error {
	run, err := m.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status != RunProcessing {
		return errors.Errorf("plugin %s is not processing", run.Name)
	}

	run.Status = status
	run.Result = result
	run.Message = message
	run.LastRun = Now()
	run.Heartbeat = ""
	run.Bookmarks = nil
	run.Supplements = nil
	return m.replace(run)
}

// Heartbeat refreshes the liveness timestamp of a processing run.
func (m *RunManager) Heartbeat(id string) error {
	partial, err := json.Marshal(map[string]string{"heartbeat": Now()})
	if err != nil {
		return err
	}
	return m.records.Update(id, partial)
}

// Reset returns a run to the unset state from any state, discarding its
// result, message, bookmarks and supplements.
func (m *RunManager) Reset(id string) error {
	run, err := m.GetRun(id)
	if err != nil {
		return err
	}

	run.Status = RunUnset
	run.Result = nil
	run.Message = ""
	run.LastRun = ""
	run.Heartbeat = ""
	run.Bookmarks = nil
	run.Supplements = nil
	return m.replace(run)
}

// ToggleBookmark flips the bookmark on a result row and reports whether
// the row is bookmarked afterwards.
func (m *RunManager) ToggleBookmark(id string, row int) (bool, error) {
	run, err := m.GetRun(id)
	if err != nil {
		return false, err
	}
	if run.Result == nil || row < 1 || row > len(run.Result.Rows) {
		return false, errors.Errorf("plugin %s has no result row %d", run.Name, row)
	}

	var kept []int
	added := true
	for _, mark := range run.Bookmarks {
		if mark == row {
			added = false
			continue
		}
		kept = append(kept, mark)
	}
	if added {
		kept = append(kept, row)
		sort.Ints(kept)
	}

	run.Bookmarks = kept
	if err := m.replace(run); err != nil {
		return false, err
	}
	return added, nil
}

// SupplementKey names the cached sub-result for a row.
func SupplementKey(name string, row int) string {
	return fmt.Sprintf("%s_%d", strings.ReplaceAll(name, "-", "_"), row)
}

// Supplement caches a lazily expanded sub-result under a row key. Cached
// supplements are invalidated by Reset and by re-running the plugin.
func (m *RunManager) Supplement(id, key string, table *ResultTable) error {
	run, err := m.GetRun(id)
	if err != nil {
		return err
	}
	if run.Supplements == nil {
		run.Supplements = map[string]*ResultTable{}
	}
	run.Supplements[key] = table
	return m.replace(run)
}

// SupplementFor returns a cached sub-result, or nil when none is cached.
func (m *RunManager) SupplementFor(id, key string) (*ResultTable, error) {
	run, err := m.GetRun(id)
	if err != nil {
		return nil, err
	}
	return run.Supplements[key], nil
}

// RemoveArtifactReferences blanks cells referencing a deleted artifact in
// every run of a session, keeping row arity intact.
func (m *RunManager) RemoveArtifactReferences(sessionID, artifactID string) error {
	runs, err := m.RunsBySession(sessionID)
	if err != nil {
		return err
	}

	ref := artifactRef(artifactID)
	for _, run := range runs {
		if run.Result == nil {
			continue
		}
		changed := false
		for _, row := range run.Result.Rows {
			for i, cell := range row {
				if cell == ref {
					row[i] = fileDeleted
					changed = true
				}
			}
		}
		if !changed {
			continue
		}
		if err := m.replace(run); err != nil {
			return err
		}
	}
	return nil
}

// AddComment appends a comment to a session.
func (m *RunManager) AddComment(sessionID, text string) (*Comment, error) {
	comment := NewComment(sessionID, text)
	if _, err := m.records.InsertStruct(comment); err != nil {
		return nil, errors.Wrap(err, "could not store comment")
	}
	return comment, nil
}

// Comments returns the comments of a session in creation order.
func (m *RunManager) Comments(sessionID string) ([]*Comment, error) {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypeComment, "session": sessionID},
	})
	if err != nil {
		return nil, err
	}

	comments := make([]*Comment, 0, len(docs))
	for _, doc := range docs {
		var comment Comment
		if err := json.Unmarshal(doc, &comment); err != nil {
			return nil, errors.Wrap(err, "could not decode comment")
		}
		comments = append(comments, &comment)
	}
	sort.Slice(comments, func(i, j int) bool { return comments[i].Created < comments[j].Created })
	return comments, nil
}

// SessionArtifacts returns the artifact metadata records of a session.
func (m *RunManager) SessionArtifacts(sessionID string) ([]*ArtifactFile, error) {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypeFile, "session": sessionID},
	})
	if err != nil {
		return nil, err
	}

	files := make([]*ArtifactFile, 0, len(docs))
	for _, doc := range docs {
		var file ArtifactFile
		if err := json.Unmarshal(doc, &file); err != nil {
			return nil, errors.Wrap(err, "could not decode artifact record")
		}
		files = append(files, &file)
	}
	return files, nil
}

// DropSession removes a session with its runs, comments and artifact
// metadata.
func (m *RunManager) DropSession(sessionID string) error {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypePlugin, "session": sessionID},
		{"type": TypeComment, "session": sessionID},
		{"type": TypeFile, "session": sessionID},
	})
	if err != nil {
		return err
	}

	for _, doc := range docs {
		var header struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(doc, &header); err != nil {
			return errors.Wrap(err, "could not decode session document")
		}
		if err := m.records.Delete(header.ID); err != nil {
			return err
		}
	}
	return m.records.Delete(sessionID)
}

// ProcessingRuns returns every run currently in the processing state,
// across all sessions.
func (m *RunManager) ProcessingRuns() ([]*PluginRun, error) {
	docs, err := m.records.Select([]map[string]string{
		{"type": TypePlugin, "status": RunProcessing},
	})
	if err != nil {
		return nil, err
	}

	runs := make([]*PluginRun, 0, len(docs))
	for _, doc := range docs {
		var run PluginRun
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, errors.Wrap(err, "could not decode run")
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

func (m *RunManager) replace(run *PluginRun) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return errors.Wrapf(err, "could not encode run %s", run.ID)
	}
	return m.records.Replace(run.ID, recordstore.Document(doc))
}
