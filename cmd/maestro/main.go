// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// maestro is the CLI for maestrod: submit runs, watch their streams, and
// manage approvals.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "maestro",
		Short:         "Durable run orchestration for long-running AI workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultServer(),
		"maestrod base URL (env: MAESTRO_SERVER)")

	root.AddCommand(
		newSubmitCommand(),
		newListCommand(),
		newGetCommand(),
		newStepsCommand(),
		newCancelCommand(),
		newApproveCommand(),
		newWatchCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if v := os.Getenv("MAESTRO_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:8700"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestro %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
