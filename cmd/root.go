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

package cmd

import (
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/forensicanalysis/memproc"
	"github.com/forensicanalysis/memproc/artifactstore"
	"github.com/forensicanalysis/memproc/recordstore"
	"github.com/forensicanalysis/memproc/volatility"
)

// global flags, bound on the root command.
var (
	workdir    string
	configPath string
)

// Bind attaches the global flags to the root command.
func Bind(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&workdir, "workdir", "w", "memproc", "working directory for records, artifacts and scratch space")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")
}

// openPipeline loads the configuration and opens the stores below the
// working directory, creating them when missing.
func openPipeline() (*memproc.Pipeline, *memproc.Config, error) {
	config := memproc.DefaultConfig()
	if configPath != "" {
		var err error
		config, err = memproc.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
	}

	fs := afero.NewOsFs()
	scratch := filepath.Join(workdir, "scratch")
	if err := fs.MkdirAll(scratch, 0750); err != nil {
		return nil, nil, err
	}

	records, err := recordstore.OpenOrCreate(filepath.Join(workdir, "records.db"))
	if err != nil {
		return nil, nil, err
	}

	artifacts, err := artifactstore.New(fs, filepath.Join(workdir, "artifacts"))
	if err != nil {
		records.Close()
		return nil, nil, err
	}

	timeout, err := config.EngineTimeout()
	if err != nil {
		records.Close()
		return nil, nil, err
	}
	engine := volatility.New(config.Engine.Binary, timeout)

	return memproc.NewPipeline(config, engine, records, artifacts, fs, scratch), config, nil
}
