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

// Package main implements the memproc command line tool with subcommands to
// register memory images and run analysis plugins against them.
//
//	session   Register and manage memory image sessions
//	plugin    Run plugins and inspect their results
//	artifact  Manage binary artifacts extracted by plugins
//
// # Usage
//
// Register an image and detect its profile
//
//	memproc session create workstation1 /images/workstation1.raw
//
// Run a plugin and print its result
//
//	memproc plugin run session--16b02a2b-d1a1-4e79-aad6-2f2c1c286818 pslist
//
// Export an extracted artifact
//
//	memproc artifact export 50d858e0985ecc7f60418aaf0cc5ab587f42c2570a884095a9e8ccacd0f6545c dump.bin
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forensicanalysis/memproc/cmd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "memproc",
		Short: "Run memory forensics plugins and collect their artifacts",
	}
	cmd.Bind(rootCmd)
	rootCmd.AddCommand(cmd.Session(), cmd.Plugin(), cmd.Artifact())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}
