package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Local launches a subprocess per invocation. Instructions arrive on stdin
// along with the JSON-encoded context; stdout is the output.
type Local struct {
	Command string
	Args    []string
}

// NewLocal creates a subprocess-backed agent.
func NewLocal(command string, args ...string) *Local {
	return &Local{Command: command, Args: args}
}

func (l *Local) Execute(ctx context.Context, req Request) (any, error) {
	payload, err := json.Marshal(map[string]any{
		"run_id":        req.RunID,
		"invocation_id": req.InvocationID,
		"step":          req.Step,
		"attempt":       req.Attempt,
		"instance":      req.Instance,
		"instructions":  req.Instructions,
		"input":         req.Input,
		"outputs":       req.Outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent request: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"COLONY_RUN_ID="+req.RunID,
		"COLONY_STEP="+req.Step,
		"COLONY_ATTEMPT="+strconv.Itoa(req.Attempt),
	)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}

		return nil, fmt.Errorf("agent command failed: %s", detail)
	}

	out := strings.TrimSpace(stdout.String())

	// Prefer structured output when the agent emits JSON.
	var structured any
	if err := json.Unmarshal([]byte(out), &structured); err == nil {
		return structured, nil
	}

	return out, nil
}
