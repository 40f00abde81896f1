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

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/sandbox"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// approvalPollInterval is how often a waiting approval step re-checks the
// approval row.
var approvalPollInterval = 2 * time.Second

// defaultAllowlist is the sandbox command allowlist when the run's metadata
// does not narrow it.
var defaultAllowlist = []string{"git", "go", "ls", "cat", "make", "npm"}

// researchPlan: gather -> synthesize -> cite.
func researchPlan() Plan {
	return Plan{
		{
			ID: "gather", Name: "Gather sources", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				topic := sc.MetaString("topic", "")
				if topic == "" {
					return nil, errors.BadRequest("research run requires a topic in metadata")
				}
				sc.Emit(ctx, eventlog.Status("Gathering sources."))
				notes, err := sc.Gateway.Complete(ctx,
					"Collect key facts and sources on: "+topic,
					func(delta string) { sc.Emit(ctx, eventlog.AssistantDelta(delta)) })
				if err != nil {
					return nil, err
				}
				return map[string]any{"notes": notes}, nil
			},
		},
		{
			ID: "synthesize", Name: "Synthesize findings", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				notes, _ := sc.Outputs["gather"]["notes"].(string)
				summary, err := sc.Gateway.Complete(ctx,
					"Synthesize these notes into a report:\n"+notes,
					func(delta string) { sc.Emit(ctx, eventlog.AssistantDelta(delta)) })
				if err != nil {
					return nil, err
				}
				return map[string]any{"summary": summary}, nil
			},
		},
		{
			ID: "cite", Name: "Attach citations", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				summary, _ := sc.Outputs["synthesize"]["summary"].(string)
				citations, err := sc.Gateway.Complete(ctx,
					"List the citations backing this report:\n"+summary, nil)
				if err != nil {
					return nil, err
				}
				return map[string]any{"citations": citations}, nil
			},
		},
	}
}

// implementationPlan: preflight -> repo-context -> sandbox-checkout -> plan
// -> patch -> verify -> merge-approval -> open-pr.
func implementationPlan() Plan {
	return Plan{
		{
			ID: "preflight", Name: "Preflight checks", Kind: store.StepKindTool,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				repo := sc.MetaString("repo", "")
				if repo == "" {
					return nil, errors.BadRequest("implementation run requires a repo in metadata")
				}
				branch := sc.MetaString("branch", "main")
				sc.Emit(ctx, eventlog.Status("Preflight passed."))
				return map[string]any{"repo": repo, "branch": branch}, nil
			},
		},
		{
			ID: "repo-context", Name: "Build repository context", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				repo, _ := sc.Outputs["preflight"]["repo"].(string)
				summary, err := sc.Gateway.Complete(ctx,
					"Summarize the layout and conventions of repository "+repo, nil)
				if err != nil {
					return nil, err
				}
				return map[string]any{"context": summary}, nil
			},
		},
		{
			ID: "sandbox-checkout", Name: "Check out repository", Kind: store.StepKindSandbox,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				repo, _ := sc.Outputs["preflight"]["repo"].(string)
				branch, _ := sc.Outputs["preflight"]["branch"].(string)

				sess, err := sc.Sandbox.StartSession(ctx, sandboxSpec(sc, "checkout", ""))
				if err != nil {
					return nil, err
				}
				cmds := []sandbox.Command{
					{Cmd: "git", Args: []string{"clone", "--depth", "1", "--branch", branch, repo, "repo"}},
				}
				if err := runSandboxCommands(ctx, sc, sess, cmds); err != nil {
					return nil, err
				}
				if err := sess.Finalize(ctx, 0, store.StatusSucceeded); err != nil {
					return nil, err
				}
				return map[string]any{
					"sandbox_id":     sess.SandboxID,
					"sandbox_job_id": sess.JobID,
				}, nil
			},
		},
		{
			ID: "plan", Name: "Plan the change", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				repoContext, _ := sc.Outputs["repo-context"]["context"].(string)
				goal := sc.MetaString("goal", "")
				plan, err := sc.Gateway.Complete(ctx,
					fmt.Sprintf("Plan the implementation of %q given:\n%s", goal, repoContext),
					func(delta string) { sc.Emit(ctx, eventlog.AssistantDelta(delta)) })
				if err != nil {
					return nil, err
				}
				return map[string]any{"plan": plan}, nil
			},
		},
		{
			ID: "patch", Name: "Produce the patch", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				plan, _ := sc.Outputs["plan"]["plan"].(string)
				patch, err := sc.Gateway.Complete(ctx,
					"Write the patch implementing this plan:\n"+plan,
					func(delta string) { sc.Emit(ctx, eventlog.AssistantDelta(delta)) })
				if err != nil {
					return nil, err
				}
				return map[string]any{"patch": patch}, nil
			},
		},
		{
			ID: "verify", Name: "Verify in sandbox", Kind: store.StepKindSandbox,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				sandboxID, _ := sc.Outputs["sandbox-checkout"]["sandbox_id"].(string)
				sess, err := sc.Sandbox.AttachSession(ctx, sandboxSpec(sc, "verify", ""), sandboxID)
				if err != nil {
					return nil, err
				}

				verifyCmds := sc.MetaStrings("verify_commands")
				if len(verifyCmds) == 0 {
					verifyCmds = []string{"go test ./..."}
				}
				var cmds []sandbox.Command
				for _, line := range verifyCmds {
					cmds = append(cmds, parseCommand(line))
				}
				if err := runSandboxCommands(ctx, sc, sess, cmds); err != nil {
					return nil, err
				}
				if err := sess.Finalize(ctx, 0, store.StatusSucceeded); err != nil {
					return nil, err
				}
				transcript, truncated := sess.Transcript()
				return map[string]any{
					"sandbox_job_id":       sess.JobID,
					"transcript_truncated": truncated,
					"transcript_tail":      tail(transcript, 2000),
				}, nil
			},
		},
		approvalStep("merge-approval", "Await merge approval", "repo.merge"),
		{
			ID: "open-pr", Name: "Open pull request", Kind: store.StepKindTool,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				repo, _ := sc.Outputs["preflight"]["repo"].(string)
				branch, _ := sc.Outputs["preflight"]["branch"].(string)
				sc.Emit(ctx, eventlog.ToolCall("open_pr", map[string]any{"repo": repo, "base": branch}))

				prURL := fmt.Sprintf("%s/pulls/maestro-%s", strings.TrimSuffix(repo, ".git"), sc.Run.ID[:8])
				sc.Emit(ctx, eventlog.ToolResult("open_pr", map[string]any{"url": prURL}))
				return map[string]any{"pr_url": prURL}, nil
			},
		},
	}
}

// codeModePlan: session -> summary-artifact.
func codeModePlan() Plan {
	return Plan{
		{
			ID: "session", Name: "Run sandbox session", Kind: store.StepKindSandbox,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				lines := sc.MetaStrings("commands")
				if len(lines) == 0 {
					return nil, errors.BadRequest("code_mode run requires commands in metadata")
				}

				sess, err := sc.Sandbox.StartSession(ctx, sandboxSpec(sc, "code_mode", "session"))
				if err != nil {
					return nil, err
				}
				var cmds []sandbox.Command
				for _, line := range lines {
					cmds = append(cmds, parseCommand(line))
				}
				if err := runSandboxCommands(ctx, sc, sess, cmds); err != nil {
					return nil, err
				}
				if err := sess.Finalize(ctx, 0, store.StatusSucceeded); err != nil {
					return nil, err
				}

				job, err := sc.Store.GetSandboxJob(ctx, sess.JobID)
				if err != nil {
					return nil, err
				}
				transcript, truncated := sess.Transcript()
				return map[string]any{
					"sandbox_job_id":       sess.JobID,
					"transcript_ref":       job.TranscriptBlobRef,
					"transcript_truncated": truncated,
					"transcript_tail":      tail(transcript, 2000),
				}, nil
			},
		},
		{
			ID: "summary-artifact", Name: "Summarize session", Kind: store.StepKindLLM,
			Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
				transcriptTail, _ := sc.Outputs["session"]["transcript_tail"].(string)
				summary, err := sc.Gateway.Complete(ctx,
					"Summarize what this session accomplished:\n"+transcriptTail,
					func(delta string) { sc.Emit(ctx, eventlog.AssistantDelta(delta)) })
				if err != nil {
					return nil, err
				}
				return map[string]any{"summary": summary}, nil
			},
		},
	}
}

// approvalStep builds a step that parks in waiting until the approval row
// for scope is approved.
func approvalStep(id, name, scope string) StepDef {
	return StepDef{
		ID: id, Name: name, Kind: store.StepKindApproval,
		Body: func(ctx context.Context, sc *StepContext) (map[string]any, error) {
			err := sc.Store.CreateApprovalIfAbsent(ctx, store.Approval{
				RunID:         sc.Run.ID,
				ProjectID:     sc.Run.ProjectID,
				StepID:        id,
				Scope:         scope,
				IntentSummary: sc.MetaString("goal", ""),
			})
			if err != nil {
				return nil, err
			}

			if err := sc.Steps.MarkStepWaiting(ctx, sc.Run.ID, id); err != nil {
				return nil, err
			}
			if err := sc.Steps.MarkRunWaiting(ctx, sc.Run.ID); err != nil {
				return nil, err
			}
			sc.Emit(ctx, eventlog.Status(fmt.Sprintf("Waiting for %s approval.", scope)))

			ticker := time.NewTicker(approvalPollInterval)
			defer ticker.Stop()
			for {
				approval, err := sc.Store.GetApproval(ctx, sc.Run.ID, scope)
				if err != nil {
					return nil, err
				}
				if approval.ApprovedAt != nil {
					if err := sc.Steps.MarkRunRunning(ctx, sc.Run.ID); err != nil {
						return nil, err
					}
					return map[string]any{"approved_by": approval.ApprovedBy}, nil
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
}

// sandboxSpec builds a session spec from the run's metadata, streaming
// command output into the run's event log.
func sandboxSpec(sc *StepContext, jobType, stepID string) sandbox.StartSpec {
	allowed := sc.MetaStrings("allowed_commands")
	if len(allowed) == 0 {
		allowed = defaultAllowlist
	}
	network := sandbox.NetworkPolicy(sc.MetaString("network", string(sandbox.NetworkEgress)))
	return sandbox.StartSpec{
		RunID:          sc.Run.ID,
		ProjectID:      sc.Run.ProjectID,
		StepID:         stepID,
		JobType:        jobType,
		Policy:         sandbox.Policy{AllowedCommands: allowed, Network: network},
		Network:        network,
		StopOnFinalize: true,
		OnOutput: func(stream string, chunk []byte) {
			sc.Emit(context.Background(), eventlog.Log(string(chunk)))
		},
	}
}

// runSandboxCommands executes commands in order, emitting an exit event per
// command. A denied or failing command cancels the session and fails the
// step; cancellation propagates as-is.
func runSandboxCommands(ctx context.Context, sc *StepContext, sess *sandbox.Session, cmds []sandbox.Command) error {
	for _, cmd := range cmds {
		exitCode, err := sess.RunCommand(ctx, cmd)
		if err != nil {
			// Teardown must not mask the command error.
			_ = sess.Cancel(context.WithoutCancel(ctx))
			return err
		}
		sc.Emit(ctx, eventlog.Exit(exitCode))
		if exitCode != 0 {
			if ferr := sess.Finalize(ctx, exitCode, store.StatusFailed); ferr != nil {
				return ferr
			}
			return errors.Newf(errors.CodeBadGateway, "command exited with status %d", exitCode)
		}
	}
	return nil
}

// parseCommand splits a rendered command line into a sandbox command.
func parseCommand(line string) sandbox.Command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return sandbox.Command{}
	}
	return sandbox.Command{Cmd: fields[0], Args: fields[1:]}
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
