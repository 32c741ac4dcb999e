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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Artifact is the artifact commandline subcommand.
func Artifact() *cobra.Command {
	artifactCommand := &cobra.Command{
		Use:   "artifact",
		Short: "Manage binary artifacts extracted by plugins",
	}
	artifactCommand.AddCommand(artifactListCommand(), artifactExportCommand(),
		artifactUploadCommand(), artifactDeleteCommand())
	return artifactCommand
}

func artifactListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session>",
		Short: "List the artifact records of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			files, err := pipeline.Runs().SessionArtifacts(args[0])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(files)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func artifactExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export <sha256> <outfile>",
		Short: "Write an artifact payload to a file",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			payload, err := pipeline.Artifacts().Open(args[0])
			if err != nil {
				return err
			}
			defer payload.Close()

			out, err := os.Create(args[1]) // #nosec
			if err != nil {
				return err
			}
			defer out.Close()

			if _, err := io.Copy(out, payload); err != nil {
				return errors.Wrap(err, "could not export artifact")
			}
			return nil
		},
	}
}

func artifactUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <session> <file>",
		Short: "Store an extra file as a session artifact",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			file, err := os.Open(args[1]) // #nosec
			if err != nil {
				return err
			}
			defer file.Close()

			meta, err := pipeline.UploadArtifact(args[0], args[1], file)
			if err != nil {
				return err
			}
			b, _ := json.Marshal(meta)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func artifactDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session> <artifact>",
		Short: "Remove an artifact and blank its references in run results",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()
			return pipeline.DeleteArtifact(args[0], args[1])
		},
	}
}
