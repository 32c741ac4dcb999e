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

	"github.com/spf13/cobra"

	"github.com/forensicanalysis/memproc"
)

// Session is the session commandline subcommand.
func Session() *cobra.Command {
	sessionCommand := &cobra.Command{
		Use:   "session",
		Short: "Register and manage memory image sessions",
	}
	sessionCommand.AddCommand(sessionCreateCommand(), sessionListCommand(),
		sessionDeleteCommand(), commentAddCommand(), commentListCommand(),
		searchCommand())
	return sessionCommand
}

func sessionCreateCommand() *cobra.Command {
	var profile, description string
	var computeHash bool
	var autorun []string
	command := &cobra.Command{
		Use:   "create <name> <image>",
		Short: "Register a memory image and detect its profile",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			session, err := pipeline.CreateSession(cmd.Context(), memproc.SessionRequest{
				Name:           args[0],
				ImagePath:      args[1],
				Profile:        profile,
				Description:    description,
				ComputeHash:    computeHash,
				AutorunPlugins: autorun,
			})
			if err != nil {
				return err
			}
			b, _ := json.Marshal(session)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
	command.Flags().StringVar(&profile, "profile", "", "skip profile detection and use this profile")
	command.Flags().StringVar(&description, "description", "", "session description")
	command.Flags().BoolVar(&computeHash, "hash", false, "fingerprint the image file")
	command.Flags().StringSliceVar(&autorun, "autorun", nil, "plugins to run after creation")
	return command
}

func sessionListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			sessions, err := pipeline.Sessions()
			if err != nil {
				return err
			}
			b, _ := json.Marshal(sessions)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func sessionDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session>",
		Short: "Remove a session with its runs, comments and artifact records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()
			return pipeline.DeleteSession(args[0])
		},
	}
}

func searchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Full text search over sessions, run results, comments and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			documents, err := pipeline.Search(args[0])
			if err != nil {
				return err
			}
			for _, document := range documents {
				fmt.Printf("%s\n", document)
			}
			return nil
		},
	}
}

func commentAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <session> <text>",
		Short: "Append a comment to a session",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			comment, err := pipeline.Runs().AddComment(args[0], args[1])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(comment)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func commentListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "comments <session>",
		Short: "List the comments of a session in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			comments, err := pipeline.Runs().Comments(args[0])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(comments)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}
