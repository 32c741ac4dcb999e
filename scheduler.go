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
	"context"
	"crypto/md5" // #nosec
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/forensicanalysis/memproc/artifactstore"
	"github.com/forensicanalysis/memproc/recordstore"
)

// liveness refresh interval for running plugin jobs.
const heartbeatInterval = time.Minute

// A SessionRequest describes the memory image to register.
type SessionRequest struct {
	Name        string
	Description string
	ImagePath   string
	// Profile skips profile detection when set.
	Profile string
	// ComputeHash fingerprints the image file during creation. Images are
	// often tens of gigabytes, so this is opt-in.
	ComputeHash bool
	// AutorunPlugins are run unattended after creation, in addition to the
	// configured autorun list.
	AutorunPlugins []string
}

// Pipeline wires the engine, stores, catalog, executor and job queue into
// the pipeline surface: session creation, plugin scheduling, polling and
// bookmarks.
type Pipeline struct {
	cfg       *Config
	engine    Engine
	records   recordstore.Store
	artifacts *artifactstore.Store
	catalog   *Catalog
	executor  *Executor
	runs      *RunManager
	queue     *Queue
	fs        afero.Fs
	log       *slog.Logger
}

// NewPipeline assembles a pipeline. Scratch directories for dumping plugins
// are allocated below scratchRoot on fs.
func NewPipeline(cfg *Config, engine Engine, records recordstore.Store, artifacts *artifactstore.Store, fs afero.Fs, scratchRoot string) *Pipeline {
	normalizer := NewNormalizer(records, artifacts, fs)
	return &Pipeline{
		cfg:       cfg,
		engine:    engine,
		records:   records,
		artifacts: artifacts,
		catalog:   NewCatalog(engine, cfg.DropPlugins),
		executor:  NewExecutor(engine, nil, normalizer, fs, scratchRoot),
		runs:      NewRunManager(records),
		queue:     NewQueue(cfg.Workers),
		fs:        fs,
		log:       slog.Default().With("component", "pipeline"),
	}
}

// Runs exposes the run manager for read access and bookmark handling.
func (p *Pipeline) Runs() *RunManager { return p.runs }

// Catalog exposes the plugin catalog.
func (p *Pipeline) Catalog() *Catalog { return p.catalog }

// Artifacts exposes the payload store.
func (p *Pipeline) Artifacts() *artifactstore.Store { return p.artifacts }

// CreateSession registers a memory image. It verifies the image exists,
// optionally fingerprints it, detects a profile unless one is given,
// registers an unset run per compatible plugin and finally dispatches the
// autorun plugins. The session is visible in intermediate statuses while
// creation is in progress.
func (p *Pipeline) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if exists, err := afero.Exists(p.fs, req.ImagePath); err != nil {
		return nil, err
	} else if !exists {
		return nil, errors.Wrap(ErrImageNotFound, req.ImagePath)
	}

	session := NewSession(req.Name, req.ImagePath)
	session.Description = req.Description
	if _, err := p.records.InsertStruct(session); err != nil {
		return nil, errors.Wrap(err, "could not store session")
	}

	if req.ComputeHash {
		if err := p.updateSession(session, map[string]interface{}{"status": SessionCalculatingHash}); err != nil {
			p.dropFailedSession(session.ID)
			return nil, err
		}
		hash, err := p.hashImage(req.ImagePath)
		if err != nil {
			p.dropFailedSession(session.ID)
			return nil, errors.Wrap(err, "could not hash image")
		}
		session.FileHash = hash
		if err := p.updateSession(session, map[string]interface{}{"file_hash": hash}); err != nil {
			p.dropFailedSession(session.ID)
			return nil, err
		}
	}

	profile := req.Profile
	if profile == "" {
		if err := p.updateSession(session, map[string]interface{}{"status": SessionDetectingProfile}); err != nil {
			p.dropFailedSession(session.ID)
			return nil, err
		}
		suggestions, err := p.engine.DetectProfile(ctx, req.ImagePath)
		if err != nil {
			p.dropFailedSession(session.ID)
			return nil, errors.Wrap(err, "profile detection failed")
		}
		if len(suggestions) == 0 {
			p.dropFailedSession(session.ID)
			return nil, errors.Wrap(ErrNoProfile, req.ImagePath)
		}
		profile = suggestions[0]
	}
	session.Profile = profile

	plugins, err := p.catalog.CompatiblePlugins(ctx, profile, req.ImagePath)
	if err != nil {
		p.dropFailedSession(session.ID)
		return nil, errors.Wrap(err, "could not list plugins")
	}
	if _, err := p.runs.EnsureRuns(session.ID, plugins); err != nil {
		p.dropFailedSession(session.ID)
		return nil, err
	}

	session.Status = SessionComplete
	err = p.updateSession(session, map[string]interface{}{
		"profile": profile,
		"status":  SessionComplete,
	})
	if err != nil {
		return nil, err
	}

	for _, name := range autorunSet(p.cfg.Autorun, req.AutorunPlugins, plugins) {
		if _, _, err := p.RunPlugin(session.ID, name, "", nil); err != nil {
			p.log.Error("could not dispatch autorun plugin", "session", session.ID, "plugin", name, "error", err)
		}
	}

	return session, nil
}

// RunPlugin moves the run for (session, plugin) to processing and
// dispatches it to the job queue. It returns the run id and a channel that
// is closed when the run has finished. Running a plugin that is already
// processing is an error; completed and errored runs are rerun, keeping the
// previous result visible until the new one replaces it.
func (p *Pipeline) RunPlugin(sessionID, name, pid string, options map[string]string) (string, <-chan struct{}, error) {
	if p.catalog.Dropped(name) {
		return "", nil, errors.Errorf("plugin %s is not supported", name)
	}

	session, err := p.GetSession(sessionID)
	if err != nil {
		return "", nil, err
	}

	run, err := p.runs.RunBySessionAndName(sessionID, name)
	if errors.Is(err, recordstore.ErrNotFound) {
		run, err = p.runs.CreateRun(sessionID, PluginInfo{Name: name})
	}
	if err != nil {
		return "", nil, err
	}

	if err := p.runs.Start(run.ID); err != nil {
		return "", nil, err
	}

	req := RunRequest{Session: session, RunID: run.ID, Plugin: name, PID: pid, Options: options}
	done := p.queue.Submit(name, func(ctx context.Context) {
		p.runJob(ctx, req)
	})
	return run.ID, done, nil
}

// PollRuns registers runs for plugins that appeared in the catalog after
// session creation, e.g. newly installed plugins, and returns the run
// records it created.
func (p *Pipeline) PollRuns(ctx context.Context, sessionID string) ([]*PluginRun, error) {
	session, err := p.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	plugins, err := p.catalog.CompatiblePlugins(ctx, session.Profile, session.ImagePath)
	if err != nil {
		return nil, err
	}
	return p.runs.EnsureRuns(sessionID, plugins)
}

// ToggleBookmark flips the bookmark on a run's result row.
func (p *Pipeline) ToggleBookmark(runID string, row int) (bool, error) {
	return p.runs.ToggleBookmark(runID, row)
}

// ExpandHiveKeys expands one hive listing row into that hive's key listing
// by running the hive dumping plugin against the row's virtual offset. The
// sub-result is cached on the run, so expanding the same row again does not
// invoke the engine. The cache is invalidated by Reset and by re-running
// the plugin.
func (p *Pipeline) ExpandHiveKeys(ctx context.Context, runID string, row int) (*ResultTable, error) {
	run, err := p.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	key := SupplementKey("hive-keys", row)
	if cached := run.Supplements[key]; cached != nil {
		return cached, nil
	}

	if run.Result == nil || row < 1 || row > len(run.Result.Rows) {
		return nil, errors.Errorf("plugin %s has no result row %d", run.Name, row)
	}
	cells := run.Result.Rows[row-1]
	if len(cells) < 2 {
		return nil, errors.Errorf("result row %d of plugin %s carries no hive offset", row, run.Name)
	}
	offset := cells[1]

	session, err := p.GetSession(run.Session)
	if err != nil {
		return nil, err
	}

	req := RunRequest{
		Session: session,
		RunID:   runID,
		Plugin:  "hivedump",
		Options: map[string]string{"hive-offset": offset},
	}
	keys, message, err := p.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, errors.Errorf("could not expand hive at %s: %s", offset, message)
	}

	if err := p.runs.Supplement(runID, key, keys); err != nil {
		return nil, err
	}
	if err := p.updateSession(session, map[string]interface{}{}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Search runs a full text query over all stored documents: sessions, run
// results, comments and artifact metadata alike.
func (p *Pipeline) Search(query string) ([]recordstore.Document, error) {
	return p.records.Search(query)
}

// GetSession retrieves a session record.
func (p *Pipeline) GetSession(id string) (*Session, error) {
	doc, err := p.records.Get(id)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, errors.Wrapf(err, "could not decode session %s", id)
	}
	return &session, nil
}

// Sessions lists all sessions, newest first.
func (p *Pipeline) Sessions() ([]*Session, error) {
	docs, err := p.records.Select([]map[string]string{{"type": TypeSession}})
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(docs))
	for _, doc := range docs {
		var session Session
		if err := json.Unmarshal(doc, &session); err != nil {
			return nil, errors.Wrap(err, "could not decode session")
		}
		sessions = append(sessions, &session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Created > sessions[j].Created })
	return sessions, nil
}

// DeleteSession removes a session with its runs, comments and artifact
// metadata. Artifact payloads stay in the content addressed store; they
// may be shared with other sessions.
func (p *Pipeline) DeleteSession(sessionID string) error {
	return p.runs.DropSession(sessionID)
}

// UploadArtifact stores an extra file for a session outside any plugin run.
func (p *Pipeline) UploadArtifact(sessionID, name string, r io.Reader) (*ArtifactFile, error) {
	hash, size, _, err := p.artifacts.Put(r)
	if err != nil {
		return nil, err
	}

	meta := NewArtifactFile(name, sessionID, "", TagExtraUpload, hash, size)
	if _, err := p.records.InsertStruct(meta); err != nil {
		return nil, errors.Wrap(err, "could not record artifact")
	}
	return meta, nil
}

// DeleteArtifact removes an artifact's metadata record and blanks its
// references in run results. The payload is removed only when no other
// metadata record shares its hash.
func (p *Pipeline) DeleteArtifact(sessionID, artifactID string) error {
	doc, err := p.records.Get(artifactID)
	if err != nil {
		return err
	}
	var file ArtifactFile
	if err := json.Unmarshal(doc, &file); err != nil {
		return errors.Wrapf(err, "could not decode artifact record %s", artifactID)
	}
	hash, _ := file.Hashes["SHA-256"].(string)

	if err := p.runs.RemoveArtifactReferences(sessionID, artifactID); err != nil {
		return err
	}
	if err := p.records.Delete(artifactID); err != nil {
		return err
	}

	if hash == "" {
		return nil
	}
	docs, err := p.records.Select([]map[string]string{{"type": TypeFile}})
	if err != nil {
		return err
	}
	for _, other := range docs {
		var record ArtifactFile
		if err := json.Unmarshal(other, &record); err != nil {
			continue
		}
		if shared, _ := record.Hashes["SHA-256"].(string); shared == hash {
			return nil
		}
	}
	err = p.artifacts.Delete(hash)
	if errors.Is(err, artifactstore.ErrNotFound) {
		return nil
	}
	return err
}

// Close drains the job queue and closes the record store.
func (p *Pipeline) Close() error {
	p.queue.Close()
	return p.records.Close()
}

/* ################################
#   Intern
################################ */

// runJob executes one dispatched plugin run. It refreshes the run's
// heartbeat while the engine works and always moves the run to completed
// or error.
func (p *Pipeline) runJob(ctx context.Context, req RunRequest) {
	stop := make(chan struct{})
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := p.runs.Heartbeat(req.RunID); err != nil {
					p.log.Error("could not refresh heartbeat", "run", req.RunID, "error", err)
				}
			}
		}
	}()

	result, message, err := p.executor.Execute(ctx, req)

	// no heartbeat may land on the run once it turns terminal
	close(stop)
	<-idle

	if err != nil {
		if ferr := p.runs.Fail(req.RunID, err.Error()); ferr != nil {
			p.log.Error("could not mark run as failed", "run", req.RunID, "error", ferr)
		}
		return
	}

	if err := p.runs.Complete(req.RunID, result, message); err != nil {
		p.log.Error("could not store run result", "run", req.RunID, "error", err)
		if ferr := p.runs.Fail(req.RunID, "could not store result: "+err.Error()); ferr != nil {
			p.log.Error("run is stuck in processing", "run", req.RunID, "error", ferr)
		}
	}
}

func (p *Pipeline) updateSession(session *Session, fields map[string]interface{}) error {
	fields["modified"] = Now()
	partial, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return p.records.Update(session.ID, recordstore.Document(partial))
}

// dropFailedSession removes a half-created session with any run records
// already registered for it.
func (p *Pipeline) dropFailedSession(id string) {
	if err := p.runs.DropSession(id); err != nil {
		p.log.Error("could not remove failed session", "session", id, "error", err)
	}
}

// Image fingerprints use md5 to stay comparable with the hash databases
// common in memory forensics tooling.
func (p *Pipeline) hashImage(path string) (string, error) {
	file, err := p.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := md5.New() // #nosec
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// autorunSet unions the configured autorun list (when enabled) with the
// requested plugins and keeps only names present in the catalog listing.
func autorunSet(cfg AutorunConfig, requested []string, available []PluginInfo) []string {
	known := map[string]bool{}
	for _, plugin := range available {
		known[plugin.Name] = true
	}

	want := map[string]bool{}
	if cfg.Enabled {
		for _, name := range cfg.Plugins {
			want[name] = true
		}
	}
	for _, name := range requested {
		want[name] = true
	}

	var names []string
	for name := range want {
		if known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
