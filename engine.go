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
	"strings"

	"github.com/pkg/errors"
)

// OutputStyle selects how the analysis engine renders plugin output.
type OutputStyle string

// Supported output styles.
const (
	OutputStructured OutputStyle = "json"
	OutputText       OutputStyle = "text"
)

// PluginInfo describes one plugin the analysis engine offers.
type PluginInfo struct {
	Name string
	Help string
}

// RunOptions carries optional plugin invocation parameters.
type RunOptions struct {
	// PID restricts the plugin to a single process where supported.
	PID string
	// ScratchDir is a directory the plugin may dump files into. Plugins
	// that need one fail without it; see FailureNeedsScratchDir.
	ScratchDir string
	// Options are engine specific plugin options, e.g. PHYSOFFSET.
	Options map[string]string
}

// Engine is the contract of the external analysis engine. Implementations
// parse the memory image; this package only decides how to invoke them.
type Engine interface {
	// ListPlugins enumerates the plugins compatible with a profile and
	// image. Errors propagate to the caller unchanged.
	ListPlugins(ctx context.Context, profile, imagePath string) ([]PluginInfo, error)

	// RunPlugin executes one plugin. A nil table with a nil error means
	// the plugin ran but produced no output. Invocations block and may
	// run for hours on large images.
	RunPlugin(ctx context.Context, name string, profile, imagePath string, style OutputStyle, opts RunOptions) (*ResultTable, error)

	// DetectProfile returns profile name suggestions for an image.
	DetectProfile(ctx context.Context, imagePath string) ([]string, error)
}

// Errors surfaced synchronously during session creation.
var (
	ErrImageNotFound = errors.New("no image file at the given path")
	ErrNoProfile     = errors.New("no valid profile suggestion found")
)

// FailureClass is the executor's interpretation of an engine error.
type FailureClass int

// Failure classes, in escalation order of the invocation ladder.
const (
	// FailureTerminal ends the run; the engine message is recorded.
	FailureTerminal FailureClass = iota
	// FailureNoStructuredOutput means the plugin cannot render the
	// requested structured format; retry with text output.
	FailureNoStructuredOutput
	// FailureNeedsScratchDir means the plugin requires a directory to
	// write output files into; retry with a fresh scratch directory.
	FailureNeedsScratchDir
)

// A FailureClassifier maps engine errors to failure classes. Engine error
// messages are version dependent, so classification is pluggable rather
// than hard coded in the executor.
type FailureClassifier interface {
	Classify(err error) FailureClass
}

// SubstringClassifier classifies engine errors by message substrings.
type SubstringClassifier struct {
	NoStructuredOutput []string
	NeedsScratchDir    []string
}

// NewSubstringClassifier returns a classifier with the message fragments
// used by Volatility 2.x.
func NewSubstringClassifier() *SubstringClassifier {
	return &SubstringClassifier{
		NoStructuredOutput: []string{
			"unified output format has not been implemented",
			"JSON output for trees",
		},
		NeedsScratchDir: []string{
			"--dump-dir",
			"specify a dump directory",
		},
	}
}

// Classify implements FailureClassifier.
func (c *SubstringClassifier) Classify(err error) FailureClass {
	if err == nil {
		return FailureTerminal
	}
	msg := err.Error()
	for _, s := range c.NeedsScratchDir {
		if strings.Contains(msg, s) {
			return FailureNeedsScratchDir
		}
	}
	for _, s := range c.NoStructuredOutput {
		if strings.Contains(msg, s) {
			return FailureNoStructuredOutput
		}
	}
	return FailureTerminal
}
