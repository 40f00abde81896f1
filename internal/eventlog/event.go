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

package eventlog

import "time"

// Event types drawn from a closed set.
const (
	TypeRunStarted     = "run-started"
	TypeStepStarted    = "step-started"
	TypeStepFinished   = "step-finished"
	TypeRunFinished    = "run-finished"
	TypeStatus         = "status"
	TypeLog            = "log"
	TypeAssistantDelta = "assistant-delta"
	TypeToolCall       = "tool-call"
	TypeToolResult     = "tool-result"
	TypeExit           = "exit"

	// TypeTerminal is the distinguished entry that closes the log.
	// On the wire it translates to the literal [DONE] payload.
	TypeTerminal = "terminal"
)

// TerminalPayload is the exact wire payload of the terminal marker.
const TerminalPayload = "[DONE]"

// maxToolResultChars caps the serialized output of a tool-result event.
// Oversized outputs are truncated with a trailing ellipsis rather than
// split across entries, so index accounting stays one event per emit.
const maxToolResultChars = 5000

// Event is one typed entry of a run's event log.
type Event struct {
	Type    string
	Payload map[string]any
}

// RunStarted builds the first event of a run's stream.
func RunStarted(kind, workflowRunID string) Event {
	return Event{Type: TypeRunStarted, Payload: map[string]any{
		"kind":          kind,
		"workflowRunId": workflowRunID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}}
}

// StepStarted builds a step-started event.
func StepStarted(stepID, stepName string) Event {
	return Event{Type: TypeStepStarted, Payload: map[string]any{
		"stepId":   stepID,
		"stepName": stepName,
	}}
}

// StepFinished builds a step-finished event.
func StepFinished(stepID, status string, outputs, errPayload map[string]any) Event {
	payload := map[string]any{
		"stepId": stepID,
		"status": status,
	}
	if outputs != nil {
		payload["outputs"] = outputs
	}
	if errPayload != nil {
		payload["error"] = errPayload
	}
	return Event{Type: TypeStepFinished, Payload: payload}
}

// RunFinished builds the final status event of a run.
func RunFinished(status string) Event {
	return Event{Type: TypeRunFinished, Payload: map[string]any{"status": status}}
}

// Status builds a coarse user-visible status event.
func Status(message string) Event {
	return Event{Type: TypeStatus, Payload: map[string]any{
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}}
}

// Log builds a raw text append event.
func Log(data string) Event {
	return Event{Type: TypeLog, Payload: map[string]any{"data": data}}
}

// AssistantDelta builds an incremental assistant text event.
func AssistantDelta(textDelta string) Event {
	return Event{Type: TypeAssistantDelta, Payload: map[string]any{"textDelta": textDelta}}
}

// ToolCall builds a tool-call event.
func ToolCall(toolName string, input map[string]any) Event {
	return Event{Type: TypeToolCall, Payload: map[string]any{
		"toolName": toolName,
		"input":    input,
	}}
}

// ToolResult builds a tool-result event. String outputs longer than the
// event-size cap are truncated with an ellipsis.
func ToolResult(toolName string, output any) Event {
	if s, ok := output.(string); ok && len(s) > maxToolResultChars {
		output = s[:maxToolResultChars] + "…"
	}
	return Event{Type: TypeToolResult, Payload: map[string]any{
		"toolName": toolName,
		"output":   output,
	}}
}

// Exit builds a sandbox command exit event.
func Exit(exitCode int) Event {
	return Event{Type: TypeExit, Payload: map[string]any{"exitCode": exitCode}}
}
