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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/forensicanalysis/memproc"
)

// Plugin is the plugin commandline subcommand.
func Plugin() *cobra.Command {
	pluginCommand := &cobra.Command{
		Use:   "plugin",
		Short: "Run plugins and inspect their results",
	}
	pluginCommand.AddCommand(pluginRunCommand(), pluginListCommand(),
		pluginResultCommand(), pluginResetCommand(), pluginPollCommand(),
		bookmarkCommand(), hiveKeysCommand(), reapCommand())
	return pluginCommand
}

func pluginRunCommand() *cobra.Command {
	var pid string
	var options []string
	command := &cobra.Command{
		Use:   "run <session> <plugin>",
		Short: "Run a plugin against a session's image and wait for the result",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			opts := map[string]string{}
			for _, option := range options {
				key, value, found := strings.Cut(option, "=")
				if !found {
					return errors.Errorf("invalid option %q, expected KEY=VALUE", option)
				}
				opts[key] = value
			}

			runID, done, err := pipeline.RunPlugin(args[0], args[1], pid, opts)
			if err != nil {
				return err
			}
			<-done

			run, err := pipeline.Runs().GetRun(runID)
			if err != nil {
				return err
			}
			b, _ := json.Marshal(run)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
	command.Flags().StringVar(&pid, "pid", "", "restrict the plugin to one process id")
	command.Flags().StringSliceVar(&options, "option", nil, "plugin option KEY=VALUE, e.g. PHYSOFFSET=0x1234")
	return command
}

func pluginListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session>",
		Short: "List the plugin runs of a session with their statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			runs, err := pipeline.Runs().RunsBySession(args[0])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(runs)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func pluginResultCommand() *cobra.Command {
	var csvPath string
	command := &cobra.Command{
		Use:   "result <session> <plugin>",
		Short: "Print a plugin's result table",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			run, err := pipeline.Runs().RunBySessionAndName(args[0], args[1])
			if err != nil {
				return err
			}
			if run.Result == nil {
				return errors.Errorf("plugin %s has no result: %s", run.Name, run.Message)
			}

			if csvPath != "" {
				return writeCSV(csvPath, run.Result.Columns, run.Result.Rows)
			}
			b, _ := json.Marshal(run.Result)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
	command.Flags().StringVar(&csvPath, "csv", "", "write the result as csv to this file")
	return command
}

func pluginResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session> <plugin>",
		Short: "Discard a plugin's result and return it to the unset state",
		Args:  cobra.ExactArgs(2), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			run, err := pipeline.Runs().RunBySessionAndName(args[0], args[1])
			if err != nil {
				return err
			}
			return pipeline.Runs().Reset(run.ID)
		},
	}
}

func pluginPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <session>",
		Short: "Register runs for plugins installed after session creation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			created, err := pipeline.PollRuns(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(created)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func bookmarkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bookmark <session> <plugin> <row>",
		Short: "Toggle the bookmark on a result row",
		Args:  cobra.ExactArgs(3), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := strconv.Atoi(args[2])
			if err != nil {
				return errors.Wrap(err, "invalid row number")
			}

			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			run, err := pipeline.Runs().RunBySessionAndName(args[0], args[1])
			if err != nil {
				return err
			}
			added, err := pipeline.ToggleBookmark(run.ID, row)
			if err != nil {
				return err
			}
			if added {
				fmt.Printf("bookmarked row %d\n", row)
			} else {
				fmt.Printf("removed bookmark from row %d\n", row)
			}
			return nil
		},
	}
}

func hiveKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hive-keys <session> <plugin> <row>",
		Short: "Expand a hive listing row into the hive's key listing",
		Args:  cobra.ExactArgs(3), //nolint:gomnd
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := strconv.Atoi(args[2])
			if err != nil {
				return errors.Wrap(err, "invalid row number")
			}

			pipeline, _, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			run, err := pipeline.Runs().RunBySessionAndName(args[0], args[1])
			if err != nil {
				return err
			}
			keys, err := pipeline.ExpandHiveKeys(cmd.Context(), run.ID, row)
			if err != nil {
				return err
			}
			b, _ := json.Marshal(keys)
			fmt.Printf("%s\n", b)
			return nil
		},
	}
}

func reapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail runs stuck in processing without a recent heartbeat",
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, config, err := openPipeline()
			if err != nil {
				return err
			}
			defer pipeline.Close()

			maxAge, err := config.ReapInterval()
			if err != nil {
				return err
			}
			return memproc.NewReaper(pipeline.Runs(), maxAge).Sweep(time.Now().UTC())
		},
	}
}

func writeCSV(path string, columns []string, rows [][]string) error {
	file, err := os.Create(path) // #nosec
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(columns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
