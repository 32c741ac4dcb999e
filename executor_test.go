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
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forensicanalysis/memproc/artifactstore"
	"github.com/forensicanalysis/memproc/recordstore"
)

type engineCall struct {
	Name  string
	Style OutputStyle
	Opts  RunOptions
}

// scriptedEngine is an Engine whose RunPlugin behavior is supplied per
// test. All invocations are recorded.
type scriptedEngine struct {
	mutex     sync.Mutex
	plugins   []PluginInfo
	profiles  []string
	listErr   error
	detectErr error
	detects   int
	calls     []engineCall
	respond   func(call engineCall) (*ResultTable, error)
}

func (e *scriptedEngine) ListPlugins(ctx context.Context, profile, imagePath string) ([]PluginInfo, error) {
	return e.plugins, e.listErr
}

func (e *scriptedEngine) DetectProfile(ctx context.Context, imagePath string) ([]string, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.detects++
	return e.profiles, e.detectErr
}

func (e *scriptedEngine) RunPlugin(ctx context.Context, name string, profile, imagePath string, style OutputStyle, opts RunOptions) (*ResultTable, error) {
	e.mutex.Lock()
	call := engineCall{Name: name, Style: style, Opts: opts}
	e.calls = append(e.calls, call)
	e.mutex.Unlock()
	return e.respond(call)
}

func (e *scriptedEngine) recorded() []engineCall {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]engineCall{}, e.calls...)
}

func testStores(t *testing.T) (recordstore.Store, *artifactstore.Store, afero.Fs) {
	t.Helper()
	records, err := recordstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	fs := afero.NewMemMapFs()
	artifacts, err := artifactstore.New(fs, "artifacts")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("scratch", 0755))
	return records, artifacts, fs
}

func testExecutor(t *testing.T, engine Engine) (*Executor, recordstore.Store, *artifactstore.Store, afero.Fs) {
	t.Helper()
	records, artifacts, fs := testStores(t)
	normalizer := NewNormalizer(records, artifacts, fs)
	return NewExecutor(engine, nil, normalizer, fs, "scratch"), records, artifacts, fs
}

func testRequest() RunRequest {
	session := NewSession("test", "image.raw")
	session.Profile = "Win7SP1x64"
	return RunRequest{Session: session, RunID: "plugin--test", Plugin: "pstree"}
}

func scratchEntries(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, "scratch")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func TestExecutor_Execute_TextFallback(t *testing.T) {
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		if call.Style == OutputStructured {
			return nil, errors.New("unified output format has not been implemented for plugin pstree")
		}
		return &ResultTable{Columns: []string{"Output"}, Rows: [][]string{{"tree output"}}}, nil
	}}
	executor, _, _, fs := testExecutor(t, engine)

	result, message, err := executor.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Empty(t, message)
	assert.Equal(t, []string{"#", "Output"}, result.Columns)
	assert.Equal(t, [][]string{{"1", "tree output"}}, result.Rows)

	calls := engine.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, OutputStructured, calls[0].Style)
	assert.Equal(t, OutputText, calls[1].Style)
	assert.Empty(t, calls[0].Opts.ScratchDir)
	assert.Empty(t, calls[1].Opts.ScratchDir)
	assert.Empty(t, scratchEntries(t, fs))
}

func TestExecutor_Execute_ScratchRetry(t *testing.T) {
	var fs afero.Fs
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		if call.Opts.ScratchDir == "" {
			return nil, errors.New("Please specify a dump directory (--dump-dir)")
		}
		// the plugin writes its dump where it is told to
		err := afero.WriteFile(fs, filepath.Join(call.Opts.ScratchDir, "registry.SYSTEM"), []byte("hive"), 0644)
		if err != nil {
			return nil, err
		}
		return &ResultTable{}, nil
	}}
	executor, _, artifacts, efs := testExecutor(t, engine)
	fs = efs

	req := testRequest()
	req.Plugin = "dumpregistry"
	result, message, err := executor.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, message)

	assert.Equal(t, []string{"#", "Hive Name", "StoredFile"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "1", result.Rows[0][0])
	assert.Equal(t, "registry.SYSTEM", result.Rows[0][1])
	assert.Contains(t, result.Rows[0][2], "artifact://file--")

	// scratch retry keeps the previous output style
	calls := engine.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, OutputStructured, calls[1].Style)
	assert.NotEmpty(t, calls[1].Opts.ScratchDir)

	// the payload survives, the scratch directory does not
	exists, err := artifacts.Exists(artifactstore.Sum256Hex([]byte("hive")))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, scratchEntries(t, fs))
}

func TestExecutor_Execute_ScratchRemovedOnFailure(t *testing.T) {
	calls := 0
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("Please specify a dump directory (--dump-dir)")
		}
		return nil, errors.New("ERROR: image file corrupt")
	}}
	executor, _, _, fs := testExecutor(t, engine)

	_, _, err := executor.Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image file corrupt")
	assert.Empty(t, scratchEntries(t, fs))
}

func TestExecutor_Execute_TerminalError(t *testing.T) {
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		return nil, errors.New("ERROR: invalid start address")
	}}
	executor, _, _, _ := testExecutor(t, engine)

	_, _, err := executor.Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin pstree failed")
	require.Len(t, engine.recorded(), 1)
}

func TestExecutor_Execute_NoOutput(t *testing.T) {
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		return nil, nil
	}}
	executor, _, _, _ := testExecutor(t, engine)

	result, message, err := executor.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, "no output from plugin pstree", message)
}

func TestExecutor_Execute_EmptyTableIsProcessed(t *testing.T) {
	engine := &scriptedEngine{respond: func(call engineCall) (*ResultTable, error) {
		return &ResultTable{Columns: []string{"PID", "Name"}}, nil
	}}
	executor, _, _, _ := testExecutor(t, engine)

	result, message, err := executor.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Empty(t, message)
	assert.Equal(t, []string{"#", "PID", "Name"}, result.Columns)
	assert.Empty(t, result.Rows)
}

func TestSubstringClassifier_Classify(t *testing.T) {
	classifier := NewSubstringClassifier()

	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nil", nil, FailureTerminal},
		{"unknown", errors.New("something broke"), FailureTerminal},
		{"no structured output", errors.New("unified output format has not been implemented"), FailureNoStructuredOutput},
		{"tree output", errors.New("Plugin does not support JSON output for trees"), FailureNoStructuredOutput},
		{"dump dir flag", errors.New("ERROR : volatility.debug : Please specify a dump directory (--dump-dir)"), FailureNeedsScratchDir},
		{"scratch wins over format", errors.New("unified output format has not been implemented, specify a dump directory"), FailureNeedsScratchDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.err))
		})
	}
}
