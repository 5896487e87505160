// Package copilot – subagent_tools.go exposes the sub-agent executor to the
// model as the "subagent" capability area.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
)

// subagentArea is hidden from sub-agents so they cannot spawn or steer others.
const subagentArea = "subagent"

// RegisterSubagentTools registers spawn, list, wait, cancel and continue.
func RegisterSubagentTools(registry *ToolRegistry, executor *SubagentExecutor) {
	if executor == nil || !executor.cfg.Enabled {
		return
	}

	registry.MustRegister(subagentArea,
		Operation{
			Name: "spawn",
			Description: "Spawn a sub-agent to work on a self-contained task in its own branch. " +
				"The sub-agent does not see this conversation: put every needed detail in the task " +
				"or pass vault files as context_files. Returns immediately with a run_id; the result " +
				"arrives later as a message.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "What the sub-agent must do. Be specific.",
					},
					"persona": map[string]any{
						"type":        "string",
						"description": "Optional configured persona name.",
					},
					"context_files": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Vault paths inlined into the task message.",
					},
					"include_tool_schemas": map[string]any{
						"type":        "boolean",
						"description": "List the sub-agent's tools in its task message.",
					},
					"max_iterations": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Model call budget. Default comes from config.",
					},
				},
				"required": []string{"task"},
			},
			Internal: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				turn, ok := TurnFromContext(ctx)
				if !ok || turn.AnchorMessageID == "" {
					return nil, conversation.Validation("subagent.spawn", "no committed message to attach the sub-agent to")
				}
				task, _ := args["task"].(string)
				runID, err := executor.Execute(ctx, task, turn.ConversationID, turn.AnchorMessageID, SubagentOptions{
					Persona:            stringArg(args, "persona"),
					ContextFiles:       stringSliceArg(args, "context_files"),
					IncludeToolSchemas: boolArg(args, "include_tool_schemas"),
					MaxIterations:      intArg(args, "max_iterations"),
				})
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Sub-agent spawned.\n  run_id: %s\n  status: running\n\n"+
					"The result will be delivered as a message when it finishes. "+
					"Use subagent.wait to block on it or subagent.list to check progress.", runID), nil
			},
		},
		Operation{
			Name:        "list",
			Description: "List sub-agent runs and their status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{"running", "complete", "cancelled", "abandoned", "max_iterations", "all"},
					},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				filter := stringArg(args, "status")
				if filter == "" {
					filter = "all"
				}
				var b strings.Builder
				count := 0
				for _, run := range executor.List() {
					if filter != "all" && string(run.Status) != filter {
						continue
					}
					count++
					duration := run.CompletedAt.Sub(run.StartedAt)
					if run.Running() {
						duration = time.Since(run.StartedAt)
					}
					fmt.Fprintf(&b, "- %s [%s] %d/%d iterations, %s, branch %s: %s\n",
						run.ID, run.Status, run.Iterations, run.MaxIterations,
						duration.Round(time.Second), run.BranchID, truncate(run.Task, 80))
				}
				if count == 0 {
					return "No sub-agent runs found.", nil
				}
				return fmt.Sprintf("%d run(s):\n%s", count, b.String()), nil
			},
		},
		Operation{
			Name:        "wait",
			Description: "Block until a sub-agent run finishes and return its result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id":          map[string]any{"type": "string"},
					"timeout_seconds": map[string]any{"type": "integer", "minimum": 1, "description": "Default: 300."},
				},
				"required": []string{"run_id"},
			},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				timeout := time.Duration(intArg(args, "timeout_seconds")) * time.Second
				if timeout <= 0 {
					timeout = 5 * time.Minute
				}
				waitCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				run, err := executor.Wait(waitCtx, stringArg(args, "run_id"))
				if errors.Is(err, ErrRunNotFound) {
					return nil, conversation.NotFound("subagent.wait", "%v", err)
				}
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Sprintf("Sub-agent %s still running after %s (%d iterations so far).",
						run.ID, timeout, run.Iterations), nil
				}
				if err != nil {
					return nil, err
				}
				return subagentResultMessage(run).Content, nil
			},
		},
		Operation{
			Name:        "cancel",
			Description: "Cancel a running sub-agent.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"run_id": map[string]any{"type": "string"}},
				"required":   []string{"run_id"},
			},
			Handler: func(_ context.Context, args map[string]any) (any, error) {
				id := stringArg(args, "run_id")
				err := executor.Cancel(id)
				switch {
				case errors.Is(err, ErrRunNotFound):
					return nil, conversation.NotFound("subagent.cancel", "%v", err)
				case errors.Is(err, ErrRunAlreadyComplete):
					return nil, conversation.Validation("subagent.cancel", "%v", err)
				case err != nil:
					return nil, err
				}
				return fmt.Sprintf("Cancellation requested for sub-agent %s.", id), nil
			},
		},
		Operation{
			Name: "continue",
			Description: "Resume a finished sub-agent branch, for example one that hit its " +
				"iteration cap. The iteration count carries over.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"branch_id":      map[string]any{"type": "string"},
					"message":        map[string]any{"type": "string", "description": "Instruction for the sub-agent. Default: \"continue\"."},
					"max_iterations": map[string]any{"type": "integer", "minimum": 1},
				},
				"required": []string{"branch_id"},
			},
			Internal: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				turn, ok := TurnFromContext(ctx)
				if !ok {
					return nil, conversation.Validation("subagent.continue", "no active conversation")
				}
				runID, err := executor.Continue(ctx, turn.ConversationID, stringArg(args, "branch_id"), SubagentOptions{
					Message:       stringArg(args, "message"),
					MaxIterations: intArg(args, "max_iterations"),
				})
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Sub-agent resumed.\n  run_id: %s\n  status: running", runID), nil
			},
		},
	)
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg accepts JSON numbers (float64) and Go ints.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
