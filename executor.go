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
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// A RunRequest identifies one plugin invocation.
type RunRequest struct {
	Session *Session
	RunID   string
	Plugin  string
	PID     string
	Options map[string]string
}

// Executor invokes a single plugin with an adaptive ladder of invocation
// modes. Different plugins have heterogeneous, undocumented output
// capabilities; probing output modes is more robust than maintaining a
// static per plugin table of required modes.
type Executor struct {
	engine     Engine
	classifier FailureClassifier
	normalizer *Normalizer
	fs         afero.Fs
	scratch    string
	log        *slog.Logger
}

// NewExecutor creates an executor. Scratch directories are allocated below
// scratchRoot on fs.
func NewExecutor(engine Engine, classifier FailureClassifier, normalizer *Normalizer, fs afero.Fs, scratchRoot string) *Executor {
	if classifier == nil {
		classifier = NewSubstringClassifier()
	}
	return &Executor{
		engine:     engine,
		classifier: classifier,
		normalizer: normalizer,
		fs:         fs,
		scratch:    scratchRoot,
		log:        slog.Default().With("component", "executor"),
	}
}

// Execute runs one plugin through the invocation ladder and normalizes its
// output. The returned message is the "no output" sentinel when the engine
// ran but produced nothing; any returned error is terminal for the run.
//
// Ladder: structured output first; on a "structured output unavailable"
// failure retry as text; on a "needs a scratch directory" failure retry the
// current mode with a fresh scratch directory. The scratch directory is
// removed before Execute returns, on success and failure alike.
func (e *Executor) Execute(ctx context.Context, req RunRequest) (*ResultTable, string, error) {
	name := req.Plugin
	profile := req.Session.Profile
	image := req.Session.ImagePath

	style := OutputStructured
	result, err := e.engine.RunPlugin(ctx, name, profile, image, style, RunOptions{PID: req.PID, Options: req.Options})

	if err != nil && e.classifier.Classify(err) == FailureNoStructuredOutput {
		e.log.Debug("structured output unavailable, retrying as text", "plugin", name, "error", err)
		style = OutputText
		result, err = e.engine.RunPlugin(ctx, name, profile, image, style, RunOptions{PID: req.PID, Options: req.Options})
	}

	if err != nil && e.classifier.Classify(err) == FailureNeedsScratchDir {
		return e.executeWithScratch(ctx, req, style)
	}

	if err != nil {
		return nil, "", errors.Wrapf(err, "plugin %s failed", name)
	}

	if result == nil {
		return nil, noOutputMessage(name), nil
	}

	normalized, err := e.normalizer.Normalize(ctx, req, result, "")
	if err != nil {
		return nil, "", err
	}
	return normalized, "", nil
}

func (e *Executor) executeWithScratch(ctx context.Context, req RunRequest, style OutputStyle) (table *ResultTable, message string, err error) {
	scratch, err := afero.TempDir(e.fs, e.scratch, "scratch-"+req.Plugin+"-")
	if err != nil {
		return nil, "", errors.Wrap(err, "could not create scratch directory")
	}
	defer func() {
		if rerr := e.fs.RemoveAll(scratch); rerr != nil {
			e.log.Error("could not remove scratch directory", "dir", scratch, "error", rerr)
		}
	}()
	e.log.Debug("created scratch directory", "plugin", req.Plugin, "dir", scratch)

	result, err := e.engine.RunPlugin(ctx, req.Plugin, req.Session.Profile, req.Session.ImagePath, style,
		RunOptions{PID: req.PID, ScratchDir: scratch, Options: req.Options})
	if err != nil {
		return nil, "", errors.Wrapf(err, "plugin %s failed", req.Plugin)
	}
	if result == nil {
		return nil, noOutputMessage(req.Plugin), nil
	}

	normalized, err := e.normalizer.Normalize(ctx, req, result, scratch)
	if err != nil {
		return nil, "", err
	}
	return normalized, "", nil
}

func noOutputMessage(plugin string) string {
	return fmt.Sprintf("no output from plugin %s", plugin)
}
