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

// Package volatility adapts the Volatility 2.x command line to the analysis
// engine contract. The binary is invoked per call; stderr output becomes
// part of returned errors so invocation failures stay classifiable.
package volatility

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/forensicanalysis/memproc"
)

// CLI runs the Volatility command line binary.
type CLI struct {
	// Binary is the Volatility executable, e.g. "vol.py".
	Binary string
	// Timeout bounds a single invocation. Zero means no bound.
	Timeout time.Duration
}

// New creates a CLI engine.
func New(binary string, timeout time.Duration) *CLI {
	return &CLI{Binary: binary, Timeout: timeout}
}

// RunPlugin implements the engine contract via one binary invocation.
func (c *CLI) RunPlugin(ctx context.Context, name string, profile, imagePath string, style memproc.OutputStyle, opts memproc.RunOptions) (*memproc.ResultTable, error) {
	args := []string{"--profile=" + profile, "-f", imagePath, name}
	if style == memproc.OutputStructured {
		args = append(args, "--output=json")
	}
	if opts.PID != "" {
		args = append(args, "--pid="+opts.PID)
	}
	if opts.ScratchDir != "" {
		args = append(args, "--dump-dir="+opts.ScratchDir)
	}
	var keys []string
	for key := range opts.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", key, opts.Options[key]))
	}

	stdout, err := c.run(ctx, args)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(stdout) == "" {
		return nil, nil
	}

	if style == memproc.OutputText {
		return &memproc.ResultTable{Columns: []string{"Output"}, Rows: [][]string{{stdout}}}, nil
	}
	return ParseTable(stdout)
}

// ListPlugins enumerates the plugins of the installed Volatility version.
// Volatility's plugin list is profile independent; incompatible plugins
// fail at run time instead.
func (c *CLI) ListPlugins(ctx context.Context, profile, imagePath string) ([]memproc.PluginInfo, error) {
	stdout, err := c.run(ctx, []string{"--info"})
	if err != nil {
		return nil, err
	}
	return ParsePluginList(stdout), nil
}

// DetectProfile scans the image's debugger data blocks and returns the
// suggested profiles, best match first.
func (c *CLI) DetectProfile(ctx context.Context, imagePath string) ([]string, error) {
	stdout, err := c.run(ctx, []string{"-f", imagePath, "kdbgscan"})
	if err != nil {
		return nil, err
	}
	return ParseProfileSuggestions(stdout), nil
}

func (c *CLI) run(ctx context.Context, args []string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...) // #nosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	// Volatility reports some failures on stderr with exit code 0, e.g. a
	// missing dump directory.
	if err == nil && strings.TrimSpace(stdout.String()) == "" && failed(stderr.String()) {
		err = errors.New("volatility produced no output")
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "volatility invocation failed"
		}
		return "", errors.Wrap(err, msg)
	}
	return stdout.String(), nil
}

// failed reports whether stderr carries more than the usual progress noise.
func failed(stderr string) bool {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Volatility Foundation") {
			continue
		}
		return true
	}
	return false
}

// ParseTable decodes Volatility's json rendering, a single object with
// "columns" and "rows". All cells are canonicalized to strings.
func ParseTable(data string) (*memproc.ResultTable, error) {
	if !gjson.Valid(data) {
		return nil, errors.New("invalid json output")
	}
	parsed := gjson.Parse(data)

	columnsField := parsed.Get("columns")
	rowsField := parsed.Get("rows")
	if !columnsField.Exists() || !rowsField.Exists() {
		return nil, errors.New("json output has no columns and rows")
	}

	table := &memproc.ResultTable{}
	for _, column := range columnsField.Array() {
		table.Columns = append(table.Columns, column.String())
	}
	for _, row := range rowsField.Array() {
		var cells []string
		for _, cell := range row.Array() {
			cells = append(cells, cell.String())
		}
		table.Rows = append(table.Rows, cells)
	}
	return table, nil
}

// ParsePluginList extracts the plugin names and help texts from the
// "--info" listing.
func ParsePluginList(output string) []memproc.PluginInfo {
	var plugins []memproc.PluginInfo
	inSection := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "Plugins":
			inSection = true
		case !inSection:
		case trimmed == "" && len(plugins) > 0:
			return plugins
		case strings.HasPrefix(trimmed, "-"):
			// section underline
		default:
			name, help, found := strings.Cut(trimmed, " - ")
			if !found {
				continue
			}
			plugins = append(plugins, memproc.PluginInfo{
				Name: strings.TrimSpace(name),
				Help: strings.TrimSpace(help),
			})
		}
	}
	return plugins
}

// ParseProfileSuggestions extracts the deduplicated profile suggestions
// from kdbgscan's text output, in order of appearance.
func ParseProfileSuggestions(output string) []string {
	seen := map[string]bool{}
	var profiles []string
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "Profile suggestion") {
			continue
		}
		_, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		profile := strings.TrimSpace(value)
		if profile == "" || seen[profile] {
			continue
		}
		seen[profile] = true
		profiles = append(profiles, profile)
	}
	return profiles
}
