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

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/stream"
)

func newSubmitCommand() *cobra.Command {
	var (
		kind  string
		meta  []string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "submit <project-id>",
		Short: "Submit a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}

			metadata := make(map[string]any, len(meta))
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("metadata must be key=value, got %q", kv)
				}
				metadata[k] = v
			}

			var created struct {
				RunID         string `json:"run_id"`
				WorkflowRunID string `json:"workflow_run_id"`
			}
			err = client.do(cmd.Context(), "POST", "/runs", map[string]any{
				"project_id": args[0],
				"kind":       kind,
				"metadata":   metadata,
			}, &created)
			if err != nil {
				return err
			}

			if !watch {
				return printJSON(created)
			}
			fmt.Fprintf(os.Stderr, "Run %s submitted, watching...\n", created.RunID)
			return watchRun(cmd, created.RunID)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "research", "Run kind (research, implementation, code_mode)")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Run metadata as key=value (repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream the run's events until it finishes")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status string
		kind   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}

			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if kind != "" {
				q.Set("kind", kind)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/runs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var out struct {
				Runs []store.Run `json:"runs"`
			}
			if err := client.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}

			if len(out.Runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			for _, r := range out.Runs {
				fmt.Printf("%s  %-14s  %-9s  %s\n", r.ID, r.Kind, r.Status,
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of runs")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			var run store.Run
			if err := client.do(cmd.Context(), "GET", "/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newStepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <run-id>",
		Short: "List a run's steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			var out struct {
				Steps []store.Step `json:"steps"`
			}
			if err := client.do(cmd.Context(), "GET", "/runs/"+args[0]+"/steps", nil, &out); err != nil {
				return err
			}
			for _, s := range out.Steps {
				fmt.Printf("%-20s  %-9s  %s\n", s.StepID, s.Status, s.StepName)
			}
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			if err := client.do(cmd.Context(), "POST", "/runs/"+args[0]+"/cancel", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Printf("Run %s canceling.\n", args[0])
			return nil
		},
	}
}

func newApproveCommand() *cobra.Command {
	var approvedBy string
	cmd := &cobra.Command{
		Use:   "approve <run-id> <scope>",
		Short: "Approve a pending approval gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/runs/%s/approvals/%s/approve", args[0], args[1])
			err = client.do(cmd.Context(), "POST", path, map[string]string{
				"approved_by": approvedBy,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Approved %s for run %s.\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&approvedBy, "by", "", "Approver identity (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Stream a run's events, resuming from the saved cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd, args[0])
		},
	}
}

// watchRun tails the run's SSE stream with a durable file cursor, so an
// interrupted watch resumes where it left off.
func watchRun(cmd *cobra.Command, runID string) error {
	cursors, err := stream.NewFileCursorStore(cursorDir())
	if err != nil {
		return err
	}
	client := stream.NewClient(serverURL, cursors)

	result, err := client.Watch(cmd.Context(), runID, stream.WatchOptions{
		OnText: func(text string) {
			fmt.Print(text)
		},
		OnChunk: func(c stream.Chunk) {
			switch c.Type {
			case eventlog.TypeStatus:
				fmt.Fprintf(os.Stderr, "* %s\n", c.Message())
			case eventlog.TypeStepStarted:
				fmt.Fprintf(os.Stderr, "==> %s\n", c.StepID())
			case eventlog.TypeStepFinished:
				fmt.Fprintf(os.Stderr, "<== %s (%s)\n", c.StepID(), c.Status())
			case eventlog.TypeRunFinished:
				fmt.Fprintf(os.Stderr, "Run finished: %s\n", c.Status())
			}
		},
	})
	if err != nil {
		return err
	}
	if result.Interrupted {
		return fmt.Errorf("stream interrupted; run `maestro watch %s` to resume", runID)
	}
	return nil
}

func cursorDir() string {
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		return filepath.Join(v, "cursors")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".maestro", "cursors")
}
