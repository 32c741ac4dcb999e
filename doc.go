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

// Package memproc runs memory forensic analysis plugins against memory
// images and collects their tabular results and extracted binary artifacts.
//
// A memory image is registered as a session. For every analysis plugin the
// engine supports for the session's profile a plugin run record is kept.
// Plugin runs execute as independent background jobs: the execution engine
// probes the plugin's output capabilities (structured output, text output,
// scratch directory for file dumps), the result post-processor normalizes
// the heterogeneous plugin output into uniform tables and stores dumped
// files content addressed in the artifact store, and the run record manager
// persists run status and results.
//
// # Pipeline
//
// The flow for a single session:
//
//	CreateSession
//	├── detect or record the profile
//	├── list compatible plugins, create run records
//	└── dispatch autorun plugins as background jobs
//	    └── per job: Executor → Normalizer → RunManager
//
// All state lives in a record store (sqlite backed documents, see package
// recordstore) and an artifact store (content addressed files, see package
// artifactstore). The analysis engine itself is external; package volatility
// contains an adapter for Volatility style command line tools.
package memproc
